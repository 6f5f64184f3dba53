package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Molecules and versioned data records
			CREATE TABLE molecules (
				id VARCHAR(255) PRIMARY KEY,
				inchikey VARCHAR(255) NOT NULL UNIQUE,
				smiles TEXT,
				inchi TEXT,
				common_name VARCHAR(255),
				archived BOOLEAN NOT NULL DEFAULT false,
				archived_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE molecule_sets (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				molecule_ids JSONB NOT NULL DEFAULT '[]',
				produced_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- value is kept as TEXT so the stored bytes are exactly what was frozen
			CREATE TABLE data_records (
				id VARCHAR(255) PRIMARY KEY,
				molecule_id VARCHAR(255) NOT NULL,
				property VARCHAR(255) NOT NULL,
				native_type VARCHAR(50) NOT NULL,
				value TEXT NOT NULL,
				source VARCHAR(50) NOT NULL CHECK (source IN ('user', 'computed', 'imported')),
				source_name VARCHAR(255),
				source_version VARCHAR(255),
				parameters_hash VARCHAR(64),
				produced_by VARCHAR(255),
				user_tag VARCHAR(255),
				confidence DOUBLE PRECISION CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
				approved BOOLEAN NOT NULL DEFAULT false,
				approved_by VARCHAR(255),
				is_frozen BOOLEAN NOT NULL DEFAULT false,
				frozen_at TIMESTAMP WITH TIME ZONE,
				frozen_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_data_records_molecule ON data_records(molecule_id);
			CREATE INDEX idx_data_records_property ON data_records(property);
			CREATE INDEX idx_data_records_provenance ON data_records(source_name, source_version, parameters_hash);
		`,
		2: `
			-- Workflows, executions and branching
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				steps JSONB NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'archived')),
				branch_of VARCHAR(255),
				root_branch VARCHAR(255),
				branch_label VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_root_branch ON workflows(root_branch);

			CREATE TABLE branch_counters (
				root_workflow_id VARCHAR(255) PRIMARY KEY,
				next INTEGER NOT NULL
			);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				root_workflow_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_step_index INTEGER NOT NULL DEFAULT 0,
				parent_execution_id VARCHAR(255),
				branch_label VARCHAR(255),
				step_execution_ids JSONB NOT NULL DEFAULT '[]',
				failed_attempt_ids JSONB NOT NULL DEFAULT '[]',
				inputs JSONB NOT NULL DEFAULT '{}',
				error JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_root ON workflow_executions(root_workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);

			CREATE TABLE step_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_execution_id VARCHAR(255) NOT NULL,
				step_name VARCHAR(255) NOT NULL,
				step_type VARCHAR(255) NOT NULL,
				position INTEGER NOT NULL,
				input_snapshot JSONB NOT NULL DEFAULT '{}',
				fingerprint VARCHAR(64),
				results JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL,
				error JSONB,
				providers_used JSONB NOT NULL DEFAULT '[]',
				branch_of VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				data_frozen_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_step_executions_execution ON step_executions(workflow_execution_id);

			CREATE TABLE branch_markers (
				source_execution_id VARCHAR(255) NOT NULL,
				source_step_execution_id VARCHAR(255) NOT NULL,
				fingerprint VARCHAR(64) NOT NULL,
				result_execution_id VARCHAR(255) NOT NULL,
				result_step_execution_id VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (source_execution_id, source_step_execution_id, fingerprint)
			);

			CREATE TABLE workflow_events (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				details JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_events_execution ON workflow_events(execution_id, created_at);

			CREATE TABLE provider_runs (
				id VARCHAR(255) PRIMARY KEY,
				provider_id VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				version VARCHAR(255) NOT NULL,
				parameters JSONB,
				step_execution_id VARCHAR(255),
				status VARCHAR(50) NOT NULL,
				error_message TEXT,
				produced INTEGER NOT NULL DEFAULT 0,
				reused INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);
		`,
		3: `
			-- Record variants selected per execution
			CREATE TABLE data_selections (
				id VARCHAR(255) NOT NULL UNIQUE,
				execution_id VARCHAR(255) NOT NULL,
				molecule_id VARCHAR(255) NOT NULL,
				property VARCHAR(255) NOT NULL,
				record_id VARCHAR(255) NOT NULL,
				selected_by VARCHAR(255),
				selected_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, molecule_id, property)
			);

			CREATE INDEX idx_data_selections_record ON data_selections(record_id);
		`,
	}
}
