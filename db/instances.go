package db

import (
	"database/sql"
	"time"

	"github.com/perchnet/perch/domain"
)

const (
	sqlUpsertInstance = `INSERT INTO instances(domain, blocked, silenced, media_removal, media_nsfw, federated_timeline_removal, followers_only, report_removal, avatar_removal, banner_removal, reject_deletes, policy_applied_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			blocked = excluded.blocked,
			silenced = excluded.silenced,
			media_removal = excluded.media_removal,
			media_nsfw = excluded.media_nsfw,
			federated_timeline_removal = excluded.federated_timeline_removal,
			followers_only = excluded.followers_only,
			report_removal = excluded.report_removal,
			avatar_removal = excluded.avatar_removal,
			banner_removal = excluded.banner_removal,
			reject_deletes = excluded.reject_deletes,
			policy_applied_at = excluded.policy_applied_at`

	sqlEnsureInstance = `INSERT INTO instances(domain, created_at) VALUES (?, ?)
		ON CONFLICT(domain) DO NOTHING`

	sqlSelectInstance         = `SELECT domain, blocked, silenced, media_removal, media_nsfw, federated_timeline_removal, followers_only, report_removal, avatar_removal, banner_removal, reject_deletes, unreachable_since, failure_count, nodeinfo, policy_applied_at, created_at FROM instances`
	sqlSelectInstanceByDomain = sqlSelectInstance + ` WHERE domain = ?`
	sqlSelectAllInstances     = sqlSelectInstance + ` ORDER BY domain ASC`
	sqlSelectPolicyInstances  = sqlSelectInstance + ` WHERE blocked = 1 OR silenced = 1 OR media_removal = 1 OR media_nsfw = 1 OR federated_timeline_removal = 1 OR followers_only = 1 OR report_removal = 1 OR avatar_removal = 1 OR banner_removal = 1 OR reject_deletes = 1 ORDER BY domain ASC`

	sqlSetInstanceUnreachable = `UPDATE instances SET unreachable_since = COALESCE(unreachable_since, ?), failure_count = failure_count + 1 WHERE domain = ?`
	sqlSetInstanceReachable   = `UPDATE instances SET unreachable_since = NULL, failure_count = 0 WHERE domain = ?`
	sqlSetInstanceNodeInfo    = `UPDATE instances SET nodeinfo = ? WHERE domain = ?`
	sqlDeleteInstance         = `DELETE FROM instances WHERE domain = ?`
)

// UpsertInstancePolicy creates or updates the MRF policy flags of a domain
// record. The domain may carry a "*." wildcard prefix.
func (db *DB) UpsertInstancePolicy(inst *domain.Instance) error {
	now := time.Now().UTC()
	_, err := db.ex.Exec(sqlUpsertInstance, inst.Domain,
		boolToInt(inst.Blocked), boolToInt(inst.Silenced),
		boolToInt(inst.MediaRemoval), boolToInt(inst.MediaNSFW),
		boolToInt(inst.FederatedTimelineRemoval), boolToInt(inst.FollowersOnly),
		boolToInt(inst.ReportRemoval), boolToInt(inst.AvatarRemoval),
		boolToInt(inst.BannerRemoval), boolToInt(inst.RejectDeletes),
		now, now)
	return err
}

// EnsureInstance creates a bare record for a domain if none exists yet.
func (db *DB) EnsureInstance(domainName string) error {
	_, err := db.ex.Exec(sqlEnsureInstance, domainName, time.Now().UTC())
	return err
}

func (db *DB) ReadInstanceByDomain(domainName string) (*domain.Instance, error) {
	return scanInstanceRow(db.ex.QueryRow(sqlSelectInstanceByDomain, domainName))
}

func (db *DB) ReadAllInstances() ([]domain.Instance, error) {
	return db.queryInstances(sqlSelectAllInstances)
}

// ReadPolicyInstances returns every instance with at least one policy flag
// set, for MRF evaluation and transparency reporting.
func (db *DB) ReadPolicyInstances() ([]domain.Instance, error) {
	return db.queryInstances(sqlSelectPolicyInstances)
}

// MarkInstanceUnreachable records a failed contact. The first failure sets
// unreachable_since; later ones only bump the failure count.
func (db *DB) MarkInstanceUnreachable(domainName string) error {
	return db.WithTransaction(func(tx *DB) error {
		if err := tx.EnsureInstance(domainName); err != nil {
			return err
		}
		_, err := tx.ex.Exec(sqlSetInstanceUnreachable, time.Now().UTC(), domainName)
		return err
	})
}

// MarkInstanceReachable clears reachability state after a successful contact.
func (db *DB) MarkInstanceReachable(domainName string) error {
	_, err := db.ex.Exec(sqlSetInstanceReachable, domainName)
	return err
}

func (db *DB) UpdateInstanceNodeInfo(domainName, nodeinfoJSON string) error {
	return db.WithTransaction(func(tx *DB) error {
		if err := tx.EnsureInstance(domainName); err != nil {
			return err
		}
		_, err := tx.ex.Exec(sqlSetInstanceNodeInfo, nodeinfoJSON, domainName)
		return err
	})
}

func (db *DB) DeleteInstance(domainName string) error {
	_, err := db.ex.Exec(sqlDeleteInstance, domainName)
	return err
}

func (db *DB) queryInstances(query string, args ...any) ([]domain.Instance, error) {
	rows, err := db.ex.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func scanInstanceRow(row rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var blocked, silenced, mediaRemoval, mediaNSFW, ftlRemoval, followersOnly int
	var reportRemoval, avatarRemoval, bannerRemoval, rejectDeletes int
	var unreachableSince, policyAppliedAt sql.NullTime
	err := row.Scan(&inst.Domain, &blocked, &silenced, &mediaRemoval, &mediaNSFW,
		&ftlRemoval, &followersOnly, &reportRemoval, &avatarRemoval,
		&bannerRemoval, &rejectDeletes,
		&unreachableSince, &inst.FailureCount, &inst.NodeInfo,
		&policyAppliedAt, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Blocked = blocked != 0
	inst.Silenced = silenced != 0
	inst.MediaRemoval = mediaRemoval != 0
	inst.MediaNSFW = mediaNSFW != 0
	inst.FederatedTimelineRemoval = ftlRemoval != 0
	inst.FollowersOnly = followersOnly != 0
	inst.ReportRemoval = reportRemoval != 0
	inst.AvatarRemoval = avatarRemoval != 0
	inst.BannerRemoval = bannerRemoval != 0
	inst.RejectDeletes = rejectDeletes != 0
	if unreachableSince.Valid {
		t := unreachableSince.Time
		inst.UnreachableSince = &t
	}
	if policyAppliedAt.Valid {
		t := policyAppliedAt.Time
		inst.PolicyAppliedAt = &t
	}
	return &inst, nil
}
