package storage

const schema = `
CREATE TABLE IF NOT EXISTS clusters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	address TEXT NOT NULL DEFAULT '',
	port TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	kube_config TEXT NOT NULL DEFAULT '',
	enforcement_enabled INTEGER NOT NULL DEFAULT 0,
	grace_period_days INTEGER NOT NULL DEFAULT 0,
	last_scanned DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME
);

CREATE TABLE IF NOT EXISTS namespaces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	compliant INTEGER,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (cluster_id, name),
	FOREIGN KEY (cluster_id) REFERENCES clusters(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id INTEGER NOT NULL,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	uid TEXT NOT NULL DEFAULT '',
	generation INTEGER NOT NULL DEFAULT 0,
	replicas INTEGER NOT NULL DEFAULT 0,
	ready_replicas INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (cluster_id, namespace, name),
	FOREIGN KEY (cluster_id) REFERENCES clusters(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	digest TEXT NOT NULL DEFAULT '',
	compliance TEXT NOT NULL DEFAULT 'unscanned',
	running_in_cluster INTEGER NOT NULL DEFAULT 1,
	last_scanned DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (cluster_id, name, digest),
	FOREIGN KEY (cluster_id) REFERENCES clusters(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pods (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id INTEGER NOT NULL,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	uid TEXT NOT NULL DEFAULT '',
	resource_version TEXT NOT NULL DEFAULT '',
	generate_name TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	violations INTEGER NOT NULL DEFAULT 0,
	compliant INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (cluster_id, namespace, name),
	FOREIGN KEY (cluster_id) REFERENCES clusters(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_pods_cluster_namespace ON pods(cluster_id, namespace);

CREATE TABLE IF NOT EXISTS pod_images (
	pod_id INTEGER NOT NULL,
	image_id INTEGER NOT NULL,
	PRIMARY KEY (pod_id, image_id),
	FOREIGN KEY (pod_id) REFERENCES pods(id) ON DELETE CASCADE,
	FOREIGN KEY (image_id) REFERENCES images(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS cluster_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id INTEGER NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cluster_events_cluster ON cluster_events(cluster_id, created_at);

CREATE TABLE IF NOT EXISTS image_rescans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	image_id INTEGER NOT NULL,
	cluster_id INTEGER NOT NULL,
	requested_at DATETIME NOT NULL,
	completed_at DATETIME,
	FOREIGN KEY (image_id) REFERENCES images(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_image_rescans_pending ON image_rescans(image_id, completed_at);

CREATE TABLE IF NOT EXISTS clusters_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	saved_date TEXT NOT NULL,
	cluster_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	enforcement_enabled INTEGER NOT NULL DEFAULT 0,
	grace_period_days INTEGER NOT NULL DEFAULT 0,
	last_scanned DATETIME
);

CREATE INDEX IF NOT EXISTS idx_clusters_history_date ON clusters_history(saved_date);

CREATE TABLE IF NOT EXISTS namespaces_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	saved_date TEXT NOT NULL,
	namespace_id INTEGER NOT NULL,
	cluster_id INTEGER NOT NULL,
	cluster_name TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	compliant INTEGER
);

CREATE INDEX IF NOT EXISTS idx_namespaces_history_date ON namespaces_history(saved_date, cluster_id);

CREATE TABLE IF NOT EXISTS deployments_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	saved_date TEXT NOT NULL,
	deployment_id INTEGER NOT NULL,
	cluster_id INTEGER NOT NULL,
	cluster_name TEXT NOT NULL DEFAULT '',
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	generation INTEGER NOT NULL DEFAULT 0,
	replicas INTEGER NOT NULL DEFAULT 0,
	ready_replicas INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_deployments_history_date ON deployments_history(saved_date);

CREATE TABLE IF NOT EXISTS images_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	saved_date TEXT NOT NULL,
	image_id INTEGER NOT NULL,
	cluster_id INTEGER NOT NULL,
	cluster_name TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	digest TEXT NOT NULL DEFAULT '',
	compliance TEXT NOT NULL DEFAULT 'unscanned',
	running_in_cluster INTEGER NOT NULL DEFAULT 0,
	last_scanned DATETIME
);

CREATE INDEX IF NOT EXISTS idx_images_history_date ON images_history(saved_date);

CREATE TABLE IF NOT EXISTS pods_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	saved_date TEXT NOT NULL,
	pod_id INTEGER NOT NULL,
	cluster_id INTEGER NOT NULL,
	cluster_name TEXT NOT NULL DEFAULT '',
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	uid TEXT NOT NULL DEFAULT '',
	resource_version TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL DEFAULT '',
	violations INTEGER NOT NULL DEFAULT 0,
	compliant INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pods_history_date ON pods_history(saved_date, cluster_id, namespace);

CREATE TABLE IF NOT EXISTS pod_images_history (
	saved_date TEXT NOT NULL,
	pod_id INTEGER NOT NULL,
	image_id INTEGER NOT NULL,
	PRIMARY KEY (saved_date, pod_id, image_id)
);
`
