package db

// Migrations are append-only: never edit an entry, add a new one. Each entry
// runs inside a transaction; PRAGMA user_version records how many have been
// applied.
var migrations = []string{
	// 1: initial schema.
	`
	CREATE TABLE job_request (
		id TEXT,
		original TEXT,
		PRIMARY KEY (id)
	);

	CREATE TABLE job (
		id TEXT,
		job_request_id TEXT,
		state TEXT,
		repo_url TEXT,
		"commit" TEXT,
		workspace TEXT,
		database_name TEXT,
		backend TEXT,
		action TEXT,
		action_repo_url TEXT,
		action_commit TEXT,
		requires_outputs_from TEXT,
		wait_for_job_ids TEXT,
		run_command TEXT,
		image_id TEXT,
		output_spec TEXT,
		outputs TEXT,
		unmatched_outputs TEXT,
		unmatched_patterns TEXT,
		status_message TEXT,
		status_code TEXT,
		cancelled BOOLEAN,
		requires_db BOOLEAN,
		created_at INT,
		updated_at INT,
		started_at INT,
		completed_at INT,
		status_code_updated_at INT,
		trace_context TEXT,
		PRIMARY KEY (id)
	);

	CREATE INDEX idx_job__job_request_id ON job (job_request_id);

	-- Once jobs transition into a terminal state they become basically
	-- irrelevant from the application's point of view as it never needs to
	-- query them. By creating an index only on non-terminal states we ensure
	-- that it always stays relatively small even as the set of historical
	-- jobs grows.
	CREATE INDEX idx_job__state ON job (state)
		WHERE state NOT IN ('failed', 'succeeded');

	CREATE TABLE flags (
		id TEXT,
		value TEXT,
		backend TEXT,
		timestamp_ns INT,
		PRIMARY KEY (id, backend)
	);
	`,

	// 2: controller/agent task bookkeeping.
	`
	CREATE TABLE tasks (
		id TEXT,
		backend TEXT,
		type TEXT,
		job_id TEXT,
		active BOOLEAN,
		created_at INT,
		finished_at INT,
		definition TEXT,
		results TEXT,
		PRIMARY KEY (id)
	);

	CREATE INDEX idx_tasks__job_id ON tasks (job_id);
	`,
}
