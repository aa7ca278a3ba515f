package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

// Store implements the pipeline repositories over a pool or a transaction.
type Store struct {
	q querier
}

var _ pipeline.Stores = (*Store)(nil)

// --- Accounts ---------------------------------------------------------------

const accountColumns = `id, user_id, site, encrypted_credentials, status, last_sync_at, last_error`

func scanAccount(row pgx.Row) (*pipeline.Account, error) {
	var (
		a      pipeline.Account
		status string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Site, &a.EncryptedCredentials, &status, &a.LastSyncAt, &a.LastError); err != nil {
		return nil, err
	}
	st, err := pipeline.ParseAccountStatus(status)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", a.ID, err)
	}
	a.Status = st
	return &a, nil
}

func (s *Store) FindAccount(ctx context.Context, id int64) (*pipeline.Account, error) {
	a, err := scanAccount(s.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM portal_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("findAccount: %w", err)
	}
	return a, nil
}

// ListLinkedAccounts returns accounts the scheduler should sync. Expired
// accounts wait for their owner to re-link them.
func (s *Store) ListLinkedAccounts(ctx context.Context) ([]pipeline.Account, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+accountColumns+` FROM portal_accounts WHERE status <> 'expired' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listLinkedAccounts query: %w", err)
	}
	defer rows.Close()

	accounts := make([]pipeline.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("listLinkedAccounts scan: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateSyncState(ctx context.Context, id int64, state pipeline.SyncState) error {
	cookies, err := encodeCookies(state.Cookies)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx,
		`UPDATE portal_accounts
		 SET status = $2, last_sync_at = $3, last_error = $4,
		     session_cookies = COALESCE($5::jsonb, session_cookies), updated_at = now()
		 WHERE id = $1`,
		id, string(state.Status), state.LastSyncAt, state.LastError, cookies,
	)
	if err != nil {
		return fmt.Errorf("updateSyncState: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// encodeCookies returns nil for an empty jar so stored cookies survive a
// failed attempt.
func encodeCookies(cookies []*http.Cookie) ([]byte, error) {
	if len(cookies) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("encoding session cookies: %w", err)
	}
	return b, nil
}

// --- Listings ---------------------------------------------------------------

const listingColumns = `id, source, source_id, title, description, full_text, buyer_org,
	regions, categories, tender_type, value_low, value_high, value_is_estimated,
	published_at, closes_at, briefing_at, certifications_required, document_urls, source_url,
	created_at, updated_at`

func (s *Store) FindListing(ctx context.Context, id int64) (*tender.Listing, error) {
	var (
		l      tender.Listing
		source string
	)
	err := s.q.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id).Scan(
		&l.ID, &source, &l.SourceID, &l.Title, &l.Description, &l.FullText, &l.BuyerOrg,
		&l.Regions, &l.Categories, &l.TenderType, &l.ValueLow, &l.ValueHigh, &l.ValueIsEstimated,
		&l.PublishedAt, &l.ClosesAt, &l.BriefingAt, &l.CertificationsRequired, &l.DocumentURLs, &l.SourceURL,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("findListing: %w", err)
	}
	l.Source = tender.Site(source)
	return &l, nil
}

// UpsertListing keeps the first id ever assigned to (source, source id).
func (s *Store) UpsertListing(ctx context.Context, l *tender.Listing) (bool, error) {
	var pending bool
	err := s.q.QueryRow(ctx,
		`INSERT INTO listings (id, source, source_id, title, description, full_text, buyer_org,
		     regions, categories, tender_type, value_low, value_high, value_is_estimated,
		     published_at, closes_at, briefing_at, certifications_required, document_urls, source_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (source, source_id) DO UPDATE SET
		     title = EXCLUDED.title,
		     description = EXCLUDED.description,
		     full_text = EXCLUDED.full_text,
		     buyer_org = EXCLUDED.buyer_org,
		     regions = EXCLUDED.regions,
		     categories = EXCLUDED.categories,
		     tender_type = EXCLUDED.tender_type,
		     value_low = EXCLUDED.value_low,
		     value_high = EXCLUDED.value_high,
		     value_is_estimated = EXCLUDED.value_is_estimated,
		     published_at = EXCLUDED.published_at,
		     closes_at = EXCLUDED.closes_at,
		     briefing_at = EXCLUDED.briefing_at,
		     certifications_required = EXCLUDED.certifications_required,
		     document_urls = EXCLUDED.document_urls,
		     source_url = EXCLUDED.source_url,
		     updated_at = now()
		 RETURNING id, processed_at IS NULL`,
		l.ID, string(l.Source), l.SourceID, l.Title, l.Description, l.FullText, l.BuyerOrg,
		textArray(l.Regions), textArray(l.Categories), l.TenderType, l.ValueLow, l.ValueHigh, l.ValueIsEstimated,
		l.PublishedAt, l.ClosesAt, l.BriefingAt, textArray(l.CertificationsRequired), textArray(l.DocumentURLs), l.SourceURL,
	).Scan(&l.ID, &pending)
	if err != nil {
		return false, fmt.Errorf("upsertListing %s: %w", l.Key(), err)
	}
	return pending, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE listings SET processed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("markProcessed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// --- Watches ----------------------------------------------------------------

const watchColumns = `id, user_id, name, active, keywords_must, keywords_bonus, keywords_exclude,
	regions, value_min, value_max, include_unspecified_value, min_response_days,
	preferred_sectors, preferred_buyers, certifications_held, sensitivity, delivery, detail_level`

func (s *Store) FindActiveWatches(ctx context.Context) ([]matching.Watch, error) {
	return s.queryWatches(ctx, `SELECT `+watchColumns+` FROM watches WHERE active ORDER BY id`)
}

func (s *Store) FindActiveWatchesByUser(ctx context.Context, userID int64) ([]matching.Watch, error) {
	return s.queryWatches(ctx, `SELECT `+watchColumns+` FROM watches WHERE active AND user_id = $1 ORDER BY id`, userID)
}

func (s *Store) queryWatches(ctx context.Context, sql string, args ...any) ([]matching.Watch, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("watches query: %w", err)
	}
	defer rows.Close()

	watches := make([]matching.Watch, 0)
	for rows.Next() {
		var (
			w                                 matching.Watch
			sensitivity, delivery, detailLevel string
		)
		if err := rows.Scan(
			&w.ID, &w.UserID, &w.Name, &w.Active, &w.KeywordsMust, &w.KeywordsBonus, &w.KeywordsExclude,
			&w.Regions, &w.ValueMin, &w.ValueMax, &w.IncludeUnspecifiedValue, &w.MinResponseDays,
			&w.PreferredSectors, &w.PreferredBuyers, &w.CertificationsHeld, &sensitivity, &delivery, &detailLevel,
		); err != nil {
			return nil, fmt.Errorf("watches scan: %w", err)
		}
		w.Sensitivity = matching.Sensitivity(sensitivity)
		w.Delivery = matching.Delivery(delivery)
		w.DetailLevel = matching.DetailLevel(detailLevel)
		if err := w.Normalize(); err != nil {
			return nil, fmt.Errorf("watch %d: %w", w.ID, err)
		}
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

// SaveWatch inserts or replaces a watch by id.
func (s *Store) SaveWatch(ctx context.Context, w matching.Watch) error {
	if err := w.Normalize(); err != nil {
		return err
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO watches (id, user_id, name, active, keywords_must, keywords_bonus, keywords_exclude,
		     regions, value_min, value_max, include_unspecified_value, min_response_days,
		     preferred_sectors, preferred_buyers, certifications_held, sensitivity, delivery, detail_level)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     active = EXCLUDED.active,
		     keywords_must = EXCLUDED.keywords_must,
		     keywords_bonus = EXCLUDED.keywords_bonus,
		     keywords_exclude = EXCLUDED.keywords_exclude,
		     regions = EXCLUDED.regions,
		     value_min = EXCLUDED.value_min,
		     value_max = EXCLUDED.value_max,
		     include_unspecified_value = EXCLUDED.include_unspecified_value,
		     min_response_days = EXCLUDED.min_response_days,
		     preferred_sectors = EXCLUDED.preferred_sectors,
		     preferred_buyers = EXCLUDED.preferred_buyers,
		     certifications_held = EXCLUDED.certifications_held,
		     sensitivity = EXCLUDED.sensitivity,
		     delivery = EXCLUDED.delivery,
		     detail_level = EXCLUDED.detail_level,
		     updated_at = now()`,
		w.ID, w.UserID, w.Name, w.Active, textArray(w.KeywordsMust), textArray(w.KeywordsBonus), textArray(w.KeywordsExclude),
		textArray(w.Regions), w.ValueMin, w.ValueMax, w.IncludeUnspecifiedValue, w.MinResponseDays,
		textArray(w.PreferredSectors), textArray(w.PreferredBuyers), textArray(w.CertificationsHeld),
		string(w.Sensitivity), string(w.Delivery), string(w.DetailLevel),
	)
	if err != nil {
		return fmt.Errorf("saveWatch %d: %w", w.ID, err)
	}
	return nil
}

// EnsureUser inserts the user unless the id already exists.
func (s *Store) EnsureUser(ctx context.Context, id int64, email, name string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name`,
		id, email, name)
	if err != nil {
		return fmt.Errorf("ensureUser %d: %w", id, err)
	}
	return nil
}

// --- Matches ----------------------------------------------------------------

// UpsertMatch keeps the original id and notification stamp of (listing, watch).
// An empty summary never overwrites an earlier one, and updated_at only moves
// when the score or tier changed.
func (s *Store) UpsertMatch(ctx context.Context, m *pipeline.Match) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO matches (id, listing_id, watch_id, user_id, score, tier, matched_keywords, reasoning, summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (listing_id, watch_id) DO UPDATE SET
		     score = EXCLUDED.score,
		     tier = EXCLUDED.tier,
		     matched_keywords = EXCLUDED.matched_keywords,
		     reasoning = EXCLUDED.reasoning,
		     summary = COALESCE(NULLIF(EXCLUDED.summary, ''), matches.summary),
		     updated_at = CASE
		         WHEN matches.score <> EXCLUDED.score OR matches.tier <> EXCLUDED.tier THEN now()
		         ELSE matches.updated_at
		     END
		 RETURNING id, notified_at, updated_at`,
		m.ID, m.ListingID, m.WatchID, m.UserID, m.Score, string(m.Tier),
		textArray(m.MatchedKeywords), m.Reasoning, m.Summary,
	).Scan(&m.ID, &m.NotifiedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsertMatch listing %d watch %d: %w", m.ListingID, m.WatchID, err)
	}
	return nil
}

func (s *Store) DeleteMatch(ctx context.Context, listingID, watchID int64) error {
	if _, err := s.q.Exec(ctx,
		`DELETE FROM matches WHERE listing_id = $1 AND watch_id = $2`, listingID, watchID); err != nil {
		return fmt.Errorf("deleteMatch listing %d watch %d: %w", listingID, watchID, err)
	}
	return nil
}

func (s *Store) FindUnnotified(ctx context.Context, userID int64, deliveries []matching.Delivery) ([]pipeline.DigestItem, error) {
	rows, err := s.q.Query(ctx,
		`SELECT m.id, m.listing_id, m.watch_id, w.name, m.score, m.tier, m.reasoning, m.summary,
		        l.title, l.buyer_org, l.source, l.value_low, l.value_high, l.closes_at, l.source_url,
		        m.updated_at
		 FROM matches m
		 JOIN watches w ON w.id = m.watch_id
		 JOIN listings l ON l.id = m.listing_id
		 WHERE m.user_id = $1
		   AND m.notified_at IS NULL
		   AND m.tier <> 'reject'
		   AND w.active
		   AND w.delivery = ANY($2)
		 ORDER BY m.score DESC, m.id`,
		userID, deliveryArray(deliveries),
	)
	if err != nil {
		return nil, fmt.Errorf("findUnnotified query: %w", err)
	}
	defer rows.Close()

	items := make([]pipeline.DigestItem, 0)
	for rows.Next() {
		var (
			item         pipeline.DigestItem
			tier, source string
			low, high    *int64
		)
		if err := rows.Scan(
			&item.MatchID, &item.ListingID, &item.WatchID, &item.WatchName, &item.Score, &tier,
			&item.Reasoning, &item.Summary, &item.Title, &item.BuyerOrg, &source, &low, &high,
			&item.ClosesAt, &item.URL, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("findUnnotified scan: %w", err)
		}
		if item.Tier, err = matching.ParseTier(tier); err != nil {
			return nil, fmt.Errorf("match %d: %w", item.MatchID, err)
		}
		item.Source = tender.Site(source)
		item.Value = (&tender.Listing{ValueLow: low, ValueHigh: high}).ValueString()
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkNotified stamps matches that were not stamped yet and were not rescored
// after the digest read them. A rescored match goes out with the next digest.
func (s *Store) MarkNotified(ctx context.Context, seen []pipeline.MatchVersion, at time.Time) error {
	if len(seen) == 0 {
		return nil
	}
	ids := make([]int64, len(seen))
	versions := make([]time.Time, len(seen))
	for i, v := range seen {
		ids[i], versions[i] = v.ID, v.UpdatedAt
	}
	if _, err := s.q.Exec(ctx,
		`UPDATE matches m SET notified_at = $3
		 FROM unnest($1::bigint[], $2::timestamptz[]) AS seen(id, updated_at)
		 WHERE m.id = seen.id
		   AND m.updated_at <= seen.updated_at
		   AND m.notified_at IS NULL`, ids, versions, at); err != nil {
		return fmt.Errorf("markNotified: %w", err)
	}
	return nil
}

// --- Recipients -------------------------------------------------------------

func (s *Store) ListRecipients(ctx context.Context) ([]pipeline.Recipient, error) {
	rows, err := s.q.Query(ctx,
		`SELECT u.id, u.email, u.name, array_agg(DISTINCT w.delivery ORDER BY w.delivery)
		 FROM users u
		 JOIN watches w ON w.user_id = u.id AND w.active
		 GROUP BY u.id, u.email, u.name
		 ORDER BY u.id`)
	if err != nil {
		return nil, fmt.Errorf("listRecipients query: %w", err)
	}
	defer rows.Close()

	recipients := make([]pipeline.Recipient, 0)
	for rows.Next() {
		var (
			r          pipeline.Recipient
			deliveries []string
		)
		if err := rows.Scan(&r.UserID, &r.Email, &r.Name, &deliveries); err != nil {
			return nil, fmt.Errorf("listRecipients scan: %w", err)
		}
		for _, d := range deliveries {
			parsed, err := matching.ParseDelivery(d)
			if err != nil {
				return nil, fmt.Errorf("user %d: %w", r.UserID, err)
			}
			r.Deliveries = append(r.Deliveries, parsed)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// textArray maps nil to an empty array for NOT NULL columns.
func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func deliveryArray(deliveries []matching.Delivery) []string {
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, string(d))
	}
	return out
}
