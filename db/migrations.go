package db

import (
	"log"

	"github.com/perchnet/perch/util"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		is_admin INTEGER DEFAULT 0,
		manually_approves_followers INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors(
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_type TEXT DEFAULT 'Person',
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT DEFAULT '',
		outbox_uri TEXT DEFAULT '',
		followers_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT DEFAULT '',
		manually_approves_followers INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		account_id TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE INDEX IF NOT EXISTS idx_actors_account_id ON actors(account_id);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities(
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT DEFAULT '',
		raw_json TEXT NOT NULL,
		local INTEGER DEFAULT 0,
		account_id TEXT,
		processed INTEGER DEFAULT 0,
		processed_at TIMESTAMP,
		process_error TEXT DEFAULT '',
		process_attempts INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_processed ON activities(processed);
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveriesTable = `CREATE TABLE IF NOT EXISTS deliveries(
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		status TEXT DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		last_attempt_at TIMESTAMP,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveriesIndices = `
		CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_deliveries_activity_id ON deliveries(activity_id);
	`

	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances(
		domain TEXT NOT NULL PRIMARY KEY,
		blocked INTEGER DEFAULT 0,
		silenced INTEGER DEFAULT 0,
		media_removal INTEGER DEFAULT 0,
		media_nsfw INTEGER DEFAULT 0,
		federated_timeline_removal INTEGER DEFAULT 0,
		followers_only INTEGER DEFAULT 0,
		report_removal INTEGER DEFAULT 0,
		avatar_removal INTEGER DEFAULT 0,
		banner_removal INTEGER DEFAULT 0,
		reject_deletes INTEGER DEFAULT 0,
		unreachable_since TIMESTAMP,
		failure_count INTEGER DEFAULT 0,
		nodeinfo TEXT DEFAULT '',
		policy_applied_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateSigningKeysTable = `CREATE TABLE IF NOT EXISTS signing_keys(
		key_id TEXT NOT NULL PRIMARY KEY,
		owner_uri TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateSigningKeysIndices = `
		CREATE INDEX IF NOT EXISTS idx_signing_keys_owner ON signing_keys(owner_uri);
	`

	sqlCreateRelaySubscriptionsTable = `CREATE TABLE IF NOT EXISTS relay_subscriptions(
		id TEXT NOT NULL PRIMARY KEY,
		relay_uri TEXT UNIQUE NOT NULL,
		relay_inbox_uri TEXT NOT NULL,
		follow_activity_uri TEXT DEFAULT '',
		status TEXT DEFAULT 'pending',
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted_at TIMESTAMP
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows(
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes(
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT,
		remote_actor_id TEXT,
		uri TEXT DEFAULT '',
		content TEXT DEFAULT '',
		name TEXT DEFAULT '',
		content_warning TEXT DEFAULT '',
		visibility TEXT DEFAULT 'public',
		in_reply_to_uri TEXT DEFAULT '',
		community_uri TEXT DEFAULT '',
		sensitive INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		edited_at TIMESTAMP,
		reply_count INTEGER DEFAULT 0,
		like_count INTEGER DEFAULT 0,
		dislike_count INTEGER DEFAULT 0,
		boost_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_uri ON notes(uri) WHERE uri != '';
		CREATE INDEX IF NOT EXISTS idx_notes_account_id ON notes(account_id);
		CREATE INDEX IF NOT EXISTS idx_notes_in_reply_to_uri ON notes(in_reply_to_uri);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
	`

	sqlCreateNoteAttachmentsTable = `CREATE TABLE IF NOT EXISTS note_attachments(
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		url TEXT NOT NULL,
		media_type TEXT DEFAULT '',
		name TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNoteAttachmentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_note_attachments_note_id ON note_attachments(note_id);
	`

	sqlCreateNoteMentionsTable = `CREATE TABLE IF NOT EXISTS note_mentions(
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		mentioned_actor_uri TEXT NOT NULL,
		mentioned_username TEXT DEFAULT '',
		mentioned_domain TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNoteMentionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_note_mentions_note_id ON note_mentions(note_id);
	`

	sqlCreateRemoteInteractionsTable = `CREATE TABLE IF NOT EXISTS remote_interactions(
		id TEXT NOT NULL PRIMARY KEY,
		note_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		type TEXT NOT NULL,
		emoji TEXT DEFAULT '',
		uri TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(note_id, actor_uri, type, emoji)
	)`

	sqlCreateRemoteInteractionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_interactions_note_id ON remote_interactions(note_id);
		CREATE INDEX IF NOT EXISTS idx_remote_interactions_uri ON remote_interactions(uri);
	`

	sqlCreateUserBlocksTable = `CREATE TABLE IF NOT EXISTS user_blocks(
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		account_id TEXT NOT NULL,
		uri TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, account_id)
	)`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports(
		id TEXT NOT NULL PRIMARY KEY,
		reporter_uri TEXT NOT NULL,
		content TEXT DEFAULT '',
		object_uris TEXT DEFAULT '[]',
		account_ids TEXT DEFAULT '[]',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications(
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		actor_uri TEXT DEFAULT '',
		actor_username TEXT DEFAULT '',
		actor_domain TEXT DEFAULT '',
		note_id TEXT,
		note_uri TEXT DEFAULT '',
		note_preview TEXT DEFAULT '',
		read INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id, read, created_at DESC);
	`

	sqlCreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs(
		id TEXT NOT NULL PRIMARY KEY,
		queue TEXT NOT NULL,
		priority INTEGER DEFAULT 1,
		args TEXT DEFAULT '{}',
		unique_key TEXT DEFAULT '',
		state TEXT DEFAULT 'available',
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 5,
		scheduled_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		inserted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(queue, state, scheduled_at, priority);
		CREATE INDEX IF NOT EXISTS idx_jobs_unique_key ON jobs(queue, unique_key);
	`
)

var schemaStatements = []string{
	sqlCreateAccountsTable,
	sqlCreateActorsTable,
	sqlCreateActorsIndices,
	sqlCreateActivitiesTable,
	sqlCreateActivitiesIndices,
	sqlCreateDeliveriesTable,
	sqlCreateDeliveriesIndices,
	sqlCreateInstancesTable,
	sqlCreateSigningKeysTable,
	sqlCreateSigningKeysIndices,
	sqlCreateRelaySubscriptionsTable,
	sqlCreateFollowsTable,
	sqlCreateFollowsIndices,
	sqlCreateNotesTable,
	sqlCreateNotesIndices,
	sqlCreateNoteAttachmentsTable,
	sqlCreateNoteAttachmentsIndices,
	sqlCreateNoteMentionsTable,
	sqlCreateNoteMentionsIndices,
	sqlCreateRemoteInteractionsTable,
	sqlCreateRemoteInteractionsIndices,
	sqlCreateUserBlocksTable,
	sqlCreateReportsTable,
	sqlCreateNotificationsTable,
	sqlCreateNotificationsIndices,
	sqlCreateJobsTable,
	sqlCreateJobsIndices,
}

// CreateDB creates all tables and indices.
func (db *DB) CreateDB() error {
	return db.WithTransaction(func(tx *DB) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ex.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunMigrations runs data migrations that touch existing rows.
func (db *DB) RunMigrations() error {
	return db.WithTransaction(func(tx *DB) error {
		if err := tx.migrateKeysToPKCS8(); err != nil {
			return err
		}
		return nil
	})
}

// migrateKeysToPKCS8 re-encodes stored PKCS#1 keypairs as PKCS#8/PKIX.
// Signature verification libraries on some platforms reject PKCS#1 PEM
// blocks, so local keys are normalized once at startup.
func (db *DB) migrateKeysToPKCS8() error {
	rows, err := db.ex.Query(`SELECT id, public_key_pem, private_key_pem FROM accounts WHERE private_key_pem LIKE '%RSA PRIVATE KEY%' OR public_key_pem LIKE '%RSA PUBLIC KEY%'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type keyRow struct {
		id       string
		pub, prv string
	}
	var pending []keyRow
	for rows.Next() {
		var r keyRow
		if err := rows.Scan(&r.id, &r.pub, &r.prv); err != nil {
			return err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range pending {
		pub, err := util.ConvertPublicKeyToPKIX(r.pub)
		if err != nil {
			log.Printf("Warning: failed to convert public key for account %s: %v", r.id, err)
			continue
		}
		prv, err := util.ConvertPrivateKeyToPKCS8(r.prv)
		if err != nil {
			log.Printf("Warning: failed to convert private key for account %s: %v", r.id, err)
			continue
		}
		if _, err := db.ex.Exec(`UPDATE accounts SET public_key_pem = ?, private_key_pem = ? WHERE id = ?`, pub, prv, r.id); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		log.Printf("Converted %d account keypairs to PKCS#8", len(pending))
	}
	return nil
}
