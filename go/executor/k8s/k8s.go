package k8s

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
)

// jobContainerName is the container within each pod that does the actual
// work; exit codes and image IDs are read from it.
const jobContainerName = "job"

// NewClient builds a clientset from the given kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return client, nil
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)
var repeatedDashes = regexp.MustCompile(`-+`)

// resourceName converts text into a valid DNS-1123 label, suffixed with a
// short hash of hashData so distinct jobs never collide after sanitization.
func resourceName(text, hashData string) string {
	const maxLen = 63
	const hashLen = 7

	clean := strings.ToLower(text)
	clean = invalidNameChars.ReplaceAllString(clean, "-")
	clean = repeatedDashes.ReplaceAllString(clean, "-")
	clean = strings.Trim(clean, "-")

	sum := sha1.Sum([]byte(text + hashData))
	hash := hex.EncodeToString(sum[:])[:hashLen]

	if len(clean) > maxLen-hashLen-1 {
		clean = clean[:maxLen-hashLen-1]
		clean = strings.TrimRight(clean, "-")
	}
	return clean + "-" + hash
}

// phase is the collapsed status of one k8s Job.
type phase int

const (
	phaseUnknown phase = iota
	phasePending
	phaseRunning
	phaseSucceeded
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phasePending:
		return "pending"
	case phaseRunning:
		return "running"
	case phaseSucceeded:
		return "succeeded"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// jobState collapses a k8s Job's status, returning the Job itself for
// timestamp extraction. A missing Job is phaseUnknown; an active Job whose
// pod is stuck failing to pull its image counts as failed since it will never
// make progress.
func (e *Executor) jobState(ctx context.Context, name string) (phase, *batchv1.Job, error) {
	job, err := e.client.BatchV1().Jobs(e.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return phaseUnknown, nil, nil
	}
	if err != nil {
		return phaseUnknown, nil, skerr.Wrap(err)
	}
	switch {
	case job.Status.Succeeded > 0:
		return phaseSucceeded, job, nil
	case job.Status.Failed > 0:
		return phaseFailed, job, nil
	case job.Status.Active > 0:
		pods, err := e.jobPods(ctx, name)
		if err != nil {
			return phaseUnknown, nil, err
		}
		for _, pod := range pods {
			for _, cs := range append(pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses...) {
				if cs.State.Waiting != nil && cs.State.Waiting.Reason == "ImagePullBackOff" {
					return phaseFailed, job, nil
				}
			}
		}
		return phaseRunning, job, nil
	default:
		return phasePending, job, nil
	}
}

// jobStartNs returns when the k8s Job's first pod started, in nanoseconds.
func jobStartNs(job *batchv1.Job) int64 {
	if job == nil || job.Status.StartTime == nil {
		return 0
	}
	return job.Status.StartTime.Time.UnixNano()
}

// jobCompletionNs returns when the k8s Job finished, succeeded or failed.
func jobCompletionNs(job *batchv1.Job) int64 {
	if job == nil {
		return 0
	}
	if job.Status.CompletionTime != nil {
		return job.Status.CompletionTime.Time.UnixNano()
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return cond.LastTransitionTime.Time.UnixNano()
		}
	}
	return jobStartNs(job)
}

func (e *Executor) jobPods(ctx context.Context, jobName string) ([]corev1.Pod, error) {
	pods, err := e.client.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return pods.Items, nil
}

// jobLogs returns the logs of the job container across the k8s Job's pods,
// best-effort.
func (e *Executor) jobLogs(ctx context.Context, jobName string) string {
	pods, err := e.jobPods(ctx, jobName)
	if err != nil {
		sklog.Errorf("Error listing pods for job %s: %s", jobName, err)
		return ""
	}
	var b strings.Builder
	for _, pod := range pods {
		raw, err := e.client.CoreV1().Pods(e.cfg.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			Container: jobContainerName,
		}).Do(ctx).Raw()
		if err != nil {
			sklog.Warningf("Error reading logs of pod %s: %s", pod.Name, err)
			continue
		}
		b.Write(raw)
	}
	return b.String()
}

// jobSpec describes one k8s Job to create.
type jobSpec struct {
	name      string
	image     string
	command   []string
	args      []string
	env       map[string]string
	podLabels map[string]string
	// mounts maps PVC name to mount path.
	mounts map[string]string
}

// createJob creates the k8s Job, idempotently: an existing Job with the same
// name is left alone.
func (e *Executor) createJob(ctx context.Context, spec *jobSpec) error {
	var volumes []corev1.Volume
	var volumeMounts []corev1.VolumeMount
	for _, pvc := range sortedKeys(spec.mounts) {
		volName := resourceName(pvc+"-vol", pvc)
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvc},
			},
		})
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name:      volName,
			MountPath: spec.mounts[pvc],
		})
	}

	var env []corev1.EnvVar
	for _, k := range sortedKeys(spec.env) {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.env[k]})
	}

	labels := map[string]string{"app": appLabel}
	for k, v := range spec.podLabels {
		labels[k] = v
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.name,
			Labels: map[string]string{"app": appLabel},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Name:   spec.name,
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: e.cfg.ServiceAccount,
					Volumes:            volumes,
					Containers: []corev1.Container{{
						Name:         jobContainerName,
						Image:        spec.image,
						Command:      spec.command,
						Args:         spec.args,
						Env:          env,
						VolumeMounts: volumeMounts,
					}},
				},
			},
		},
	}
	if _, err := e.client.BatchV1().Jobs(e.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return skerr.Wrapf(err, "creating job %s", spec.name)
	}
	return nil
}

func (e *Executor) deleteJob(ctx context.Context, name string) {
	propagation := metav1.DeletePropagationBackground
	err := e.client.BatchV1().Jobs(e.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		sklog.Errorf("Error deleting job %s: %s", name, err)
	}
}

// ensurePVC creates the claim if it does not already exist. Deterministic
// names keep this idempotent across controller restarts.
func (e *Executor) ensurePVC(ctx context.Context, name, size string) error {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": appLabel},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse(size)},
			},
		},
	}
	if e.cfg.StorageClass != "" {
		sc := e.cfg.StorageClass
		pvc.Spec.StorageClassName = &sc
	}
	_, err := e.client.CoreV1().PersistentVolumeClaims(e.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return skerr.Wrapf(err, "creating pvc %s", name)
	}
	return nil
}

func (e *Executor) deletePVC(ctx context.Context, name string) {
	err := e.client.CoreV1().PersistentVolumeClaims(e.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		sklog.Errorf("Error deleting pvc %s: %s", name, err)
	}
}

// ensureNetworkPolicy creates an egress policy admitting only the given
// "host:port" entries (an empty list denies all egress) and returns the pod
// labels which subject a pod to it.
func (e *Executor) ensureNetworkPolicy(ctx context.Context, whitelist []string) (map[string]string, error) {
	name := resourceName("deny-all", "")
	if len(whitelist) > 0 {
		name = resourceName("allow-"+strings.Join(whitelist, "-"), "")
	}
	podLabels := map[string]string{"network": name}

	var egress []networkingv1.NetworkPolicyEgressRule
	for _, entry := range whitelist {
		host, port, found := strings.Cut(entry, ":")
		if !found {
			return nil, skerr.Fmt("invalid whitelist entry %q, want host:port", entry)
		}
		portVal := intstr.Parse(port)
		tcp := corev1.ProtocolTCP
		udp := corev1.ProtocolUDP
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{
				IPBlock: &networkingv1.IPBlock{CIDR: host + "/32"},
			}},
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &tcp, Port: &portVal},
				{Protocol: &udp, Port: &portVal},
			},
		})
	}

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": appLabel},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: podLabels},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
	_, err := e.client.NetworkingV1().NetworkPolicies(e.cfg.Namespace).Create(ctx, policy, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, skerr.Wrapf(err, "creating network policy %s", name)
	}
	return podLabels, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps the generated specs stable.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
