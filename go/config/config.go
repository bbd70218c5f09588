// Package config reads the controller's configuration from environment
// variables and exposes it as a plain struct, which is injected into the
// loops at construction time. Nothing in this repository reads the
// environment after startup.
package config

import (
	"encoding/json"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opensafely.org/jobrunner/go/skerr"
)

// Config holds every runtime setting. See the repository README for the
// recognised environment variables.
type Config struct {
	Backend      string
	DatabaseFile string

	// Executor selects the execution backend: "local" runs jobs in Docker
	// containers on this host, "kubernetes" runs them on a cluster.
	Executor string

	// GitRepoDir is where bare git caches of study repos live.
	GitRepoDir string

	MaxWorkers   int
	MaxDBWorkers int

	JobLoopInterval time.Duration
	PollInterval    time.Duration

	JobServerEndpoint string
	JobServerToken    string

	PrivateRepoAccessToken string
	GithubProxyDomain      string

	// AllowedGithubOrgs restricts study repos; empty disables the check
	// (useful with local file repos in tests).
	AllowedGithubOrgs []string
	ActionsGithubOrg  string
	AllowedImages     map[string]bool
	DockerRegistry    string

	HighPrivacyStorageBase   string
	MediumPrivacyStorageBase string

	// DatabaseURLs maps database name (full, slice, dummy) to its
	// connection string.
	DatabaseURLs map[string]string

	// UsingDummyDataBackend is true when this backend has no real patient
	// database and jobs run against generated data.
	UsingDummyDataBackend bool

	StataLicense     string
	StataLicenseRepo string

	// LocalRunMode relaxes workspace name validation for dev use.
	LocalRunMode bool

	// ResourceWeights scales a job's cost against the worker budget:
	// workspace -> action regexp -> weight.
	ResourceWeights map[string]map[*regexp.Regexp]float64

	// StuckJobTimeout escalates jobs stuck waiting on already-completed
	// dependencies.
	StuckJobTimeout time.Duration

	PromPort string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// FromEnv builds a Config from the process environment, applying defaults.
func FromEnv() (*Config, error) {
	c := &Config{
		Backend:                  getenv("BACKEND", "expectations"),
		DatabaseFile:             getenv("DATABASE_FILE", "workdir/db.sqlite"),
		Executor:                 getenv("EXECUTOR", "local"),
		GitRepoDir:               getenv("GIT_REPO_DIR", "workdir/repos"),
		JobServerEndpoint:        getenv("JOB_SERVER_ENDPOINT", "https://jobs.opensafely.org/api/v2"),
		JobServerToken:           getenv("JOB_SERVER_TOKEN", "token"),
		PrivateRepoAccessToken:   getenv("PRIVATE_REPO_ACCESS_TOKEN", ""),
		GithubProxyDomain:        getenv("GITHUB_PROXY_DOMAIN", "github-proxy.opensafely.org"),
		ActionsGithubOrg:         getenv("ACTIONS_GITHUB_ORG", "opensafely-actions"),
		DockerRegistry:           getenv("DOCKER_REGISTRY", "ghcr.io/opensafely-core"),
		HighPrivacyStorageBase:   getenv("HIGH_PRIVACY_STORAGE_BASE", "workdir/high_privacy"),
		MediumPrivacyStorageBase: getenv("MEDIUM_PRIVACY_STORAGE_BASE", "workdir/medium_privacy"),
		StataLicense:             getenv("STATA_LICENSE", ""),
		StataLicenseRepo:         getenv("STATA_LICENSE_REPO", "https://github.com/opensafely/server-instructions.git"),
		PromPort:                 getenv("PROM_PORT", ":20000"),
	}

	var err error
	if c.MaxWorkers, err = intEnv("MAX_WORKERS", max(runtime.NumCPU()-1, 1)); err != nil {
		return nil, err
	}
	if c.MaxDBWorkers, err = intEnv("MAX_DB_WORKERS", c.MaxWorkers); err != nil {
		return nil, err
	}
	if c.JobLoopInterval, err = secondsEnv("JOB_LOOP_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if c.PollInterval, err = secondsEnv("POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if c.StuckJobTimeout, err = secondsEnv("STUCK_JOB_TIMEOUT", 2*time.Hour); err != nil {
		return nil, err
	}

	for _, org := range strings.Split(getenv("ALLOWED_GITHUB_ORGS", "opensafely"), ",") {
		if org = strings.TrimSpace(org); org != "" {
			c.AllowedGithubOrgs = append(c.AllowedGithubOrgs, org)
		}
	}

	c.AllowedImages = map[string]bool{}
	for _, img := range strings.Split(getenv("ALLOWED_IMAGES", "cohortextractor,databuilder,ehrql,stata-mp,r,jupyter,python"), ",") {
		if img = strings.TrimSpace(img); img != "" {
			c.AllowedImages[img] = true
		}
	}

	c.DatabaseURLs = map[string]string{
		"full":  getenv("DATABASE_URLS.full", os.Getenv("FULL_DATABASE_URL")),
		"slice": getenv("DATABASE_URLS.slice", os.Getenv("SLICE_DATABASE_URL")),
		"dummy": getenv("DATABASE_URLS.dummy", os.Getenv("DUMMY_DATABASE_URL")),
	}

	switch strings.ToLower(getenv("USING_DUMMY_DATA_BACKEND", "")) {
	case "true", "1", "yes":
		c.UsingDummyDataBackend = true
	case "":
		c.UsingDummyDataBackend = c.Backend == "expectations"
	}

	if c.ResourceWeights, err = parseResourceWeights(getenv("JOB_RESOURCE_WEIGHTS", "")); err != nil {
		return nil, err
	}
	return c, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, skerr.Wrapf(err, "invalid %s", key)
	}
	return i, nil
}

func secondsEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, skerr.Wrapf(err, "invalid %s", key)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// parseResourceWeights parses a JSON object of the form
// {"workspace": {"action-regexp": weight}}. Jobs in the given workspace have
// their action names matched against the patterns and take the weight of the
// first match; everything else weighs 1.
func parseResourceWeights(raw string) (map[string]map[*regexp.Regexp]float64, error) {
	weights := map[string]map[*regexp.Regexp]float64{}
	if raw == "" {
		return weights, nil
	}
	var parsed map[string]map[string]float64
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, skerr.Wrapf(err, "invalid JOB_RESOURCE_WEIGHTS")
	}
	for workspace, patterns := range parsed {
		weights[workspace] = map[*regexp.Regexp]float64{}
		for pattern, weight := range patterns {
			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				return nil, skerr.Wrapf(err, "invalid JOB_RESOURCE_WEIGHTS pattern %q", pattern)
			}
			weights[workspace][re] = weight
		}
	}
	return weights, nil
}

// JobResourceWeight returns the job's cost against the worker budget.
func (c *Config) JobResourceWeight(workspace, action string) float64 {
	for re, weight := range c.ResourceWeights[workspace] {
		if re.MatchString(action) {
			return weight
		}
	}
	return 1
}
