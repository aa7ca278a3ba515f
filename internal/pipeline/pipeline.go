// Package pipeline runs the three asynchronous stages that turn portal
// accounts into digests: sync-account discovers listings, process-listing
// scores them against every active watch and dispatch-digest hands the
// unnotified matches to the delivery collaborator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/tender"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

// TickLayout formats a schedule tick into the dispatch idempotency key.
const TickLayout = "2006-01-02"

var expiredLogin = regexp.MustCompile(`(?i)expired|locked`)

// Config holds pipeline settings that are not collaborators.
type Config struct {
	// WeeklyDigestDay is the weekday weekly-cadence recipients are included.
	WeeklyDigestDay time.Weekday `mapstructure:"weekly-digest-day"`
	// LogoutTimeout bounds the best-effort logout after a sync.
	LogoutTimeout time.Duration `mapstructure:"logout-timeout"`
}

// Deps are the collaborators the stages call. Summarizer is optional.
type Deps struct {
	Stores      Stores
	Registry    Resolver
	Sessions    portal.Provisioner
	Credentials CredentialOpener
	Triggers    Enqueuer
	Notifier    Notifier
	Summarizer  Summarizer
	IDs         IDGenerator
	Engine      *matching.Engine
	Runner      *Runner
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	log  *zap.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithNow replaces time.Now for timestamps written by the stages.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New validates deps and returns a pipeline.
func New(cfg Config, deps Deps, log *zap.Logger, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Stores == nil:
		return nil, errors.New("pipeline: stores are required")
	case deps.Registry == nil:
		return nil, errors.New("pipeline: adapter registry is required")
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: session provisioner is required")
	case deps.Credentials == nil:
		return nil, errors.New("pipeline: credential opener is required")
	case deps.Triggers == nil:
		return nil, errors.New("pipeline: trigger enqueuer is required")
	case deps.Notifier == nil:
		return nil, errors.New("pipeline: notifier is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Engine == nil {
		deps.Engine = matching.NewEngine(nil)
	}
	if deps.Runner == nil {
		deps.Runner = NewRunner(nil, nil, nil, log)
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 15 * time.Second
	}

	p := &Pipeline{cfg: cfg, deps: deps, now: time.Now, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SyncReport summarises one successful synchronisation.
type SyncReport struct {
	AccountID int64       `json:"account_id"`
	Site      tender.Site `json:"site"`
	Found     int         `json:"found"`
	Stored    int         `json:"stored"`
	Enqueued  int         `json:"enqueued"`
	Skipped   int         `json:"skipped"`
}

// SyncAccount logs into the account's portal, stores every listing its
// watches can see and triggers processing for listings never processed.
func (p *Pipeline) SyncAccount(ctx context.Context, accountID int64) (SyncReport, error) {
	var report SyncReport
	key := strconv.FormatInt(accountID, 10)

	job, err := p.deps.Runner.Run(ctx, StageSyncAccount, key, func(ctx context.Context, attempt int) error {
		var err error
		report, err = p.syncOnce(ctx, accountID, attempt)
		return err
	})
	if err != nil {
		if job.State == JobFailedTerminal {
			p.recordSyncFailure(ctx, accountID, err)
		}
		return report, err
	}
	return report, nil
}

func (p *Pipeline) syncOnce(ctx context.Context, accountID int64, attempt int) (SyncReport, error) {
	log := p.log.With(
		zap.String(logger.FieldStage, string(StageSyncAccount)),
		zap.Int64(logger.FieldAccountID, accountID),
		zap.Int(logger.FieldAttempt, attempt),
	)
	report := SyncReport{AccountID: accountID}

	account, err := p.deps.Stores.FindAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return report, configuration(fmt.Errorf("account %d: %w", accountID, err))
		}
		return report, fmt.Errorf("loading account %d: %w", accountID, err)
	}

	site := tender.Site(strings.ToLower(strings.TrimSpace(account.Site)))
	report.Site = site
	log = log.With(zap.String(logger.FieldSite, string(site)))

	if err := p.deps.Registry.Check(site); err != nil {
		return report, configuration(err)
	}

	creds, err := p.deps.Credentials.Open(account.EncryptedCredentials)
	if err != nil {
		return report, configuration(fmt.Errorf("account %d credentials: %w", accountID, err))
	}

	watches, err := p.deps.Stores.FindActiveWatchesByUser(ctx, account.UserID)
	if err != nil {
		return report, fmt.Errorf("loading watches of user %d: %w", account.UserID, err)
	}

	session, err := p.deps.Sessions.Provision(ctx, site)
	if err != nil {
		return report, fmt.Errorf("provisioning session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("closing session failed", zap.Error(err))
		}
	}()

	adapter, err := p.deps.Registry.Resolve(site, session)
	if err != nil {
		if portal.IsConfigurationError(err) {
			return report, configuration(err)
		}
		return report, err
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LogoutTimeout)
		defer cancel()
		adapter.Logout(logoutCtx)
	}()

	login, err := adapter.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return report, fmt.Errorf("login: %w", err)
	}
	if !login.Success {
		if expiredLogin.MatchString(login.Message) {
			now := p.now()
			state := SyncState{Status: AccountExpired, LastSyncAt: &now, LastError: login.Message}
			if err := p.deps.Stores.UpdateSyncState(context.WithoutCancel(ctx), accountID, state); err != nil {
				log.Error("recording expired account failed", zap.Error(err))
			}
			return report, fmt.Errorf("%w: %s", ErrAccountExpired, login.Message)
		}
		return report, fmt.Errorf("%w: %s", ErrLoginRejected, login.Message)
	}

	params := SearchParamsFor(watches, p.now())
	stubs, err := adapter.Search(ctx, params)
	if err != nil {
		return report, fmt.Errorf("search: %w", err)
	}
	report.Found = len(stubs)
	log.Info("search finished", zap.Int("stubs", len(stubs)), zap.Strings("keywords", params.Keywords))

	for _, stub := range stubs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		listing, err := adapter.FetchDetail(ctx, stub.SourceID)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Skipped++
			log.Warn("skipping listing, detail failed", zap.String("source_id", stub.SourceID), zap.Error(err))
			continue
		}

		listing.ApplyStub(stub)
		listing.Source = site
		if listing.SourceID == "" {
			report.Skipped++
			log.Warn("skipping listing without source id", zap.String("title", utils.TruncateForLog(listing.Title, 80)))
			continue
		}

		id, err := p.deps.IDs.NewID()
		if err != nil {
			return report, fmt.Errorf("allocating listing id: %w", err)
		}
		listing.ID = id

		pending, err := p.deps.Stores.UpsertListing(ctx, listing)
		if err != nil {
			return report, fmt.Errorf("storing listing %s: %w", listing.Key(), err)
		}
		report.Stored++

		if !pending {
			continue
		}
		if err := p.deps.Triggers.EnqueueProcessListing(ctx, listing.ID); err != nil {
			// The listing stays pending and is enqueued again on the next sync.
			log.Warn("enqueueing process trigger failed", zap.Int64(logger.FieldListingID, listing.ID), zap.Error(err))
			continue
		}
		report.Enqueued++
	}

	now := p.now()
	state := SyncState{Status: AccountConnected, LastSyncAt: &now, Cookies: login.Cookies}
	if err := p.deps.Stores.UpdateSyncState(ctx, accountID, state); err != nil {
		return report, fmt.Errorf("updating sync state: %w", err)
	}

	log.Info("account synchronised",
		zap.Int("found", report.Found),
		zap.Int("stored", report.Stored),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (p *Pipeline) recordSyncFailure(ctx context.Context, accountID int64, cause error) {
	switch {
	case errors.Is(cause, ErrAccountExpired),
		errors.Is(cause, ErrNotFound),
		errors.Is(cause, context.Canceled):
		return
	}

	now := p.now()
	state := SyncState{Status: AccountError, LastSyncAt: &now, LastError: cause.Error()}
	if err := p.deps.Stores.UpdateSyncState(context.WithoutCancel(ctx), accountID, state); err != nil {
		p.log.Error("recording sync failure failed",
			zap.Int64(logger.FieldAccountID, accountID),
			zap.Error(err),
		)
	}
}

// ProcessReport summarises one evaluation pass over a listing.
type ProcessReport struct {
	ListingID int64 `json:"listing_id"`
	Watches   int   `json:"watches"`
	Matched   int   `json:"matched"`
	Rejected  int   `json:"rejected"`
}

// ProcessListing evaluates the listing against every active watch and upserts
// one match per recommended outcome. Running it again after watch edits
// re-evaluates in place and drops matches the watch now rejects.
func (p *Pipeline) ProcessListing(ctx context.Context, listingID int64) (ProcessReport, error) {
	var report ProcessReport
	key := strconv.FormatInt(listingID, 10)

	_, err := p.deps.Runner.Run(ctx, StageProcessListing, key, func(ctx context.Context, attempt int) error {
		var err error
		report, err = p.processOnce(ctx, listingID, attempt)
		return err
	})
	return report, err
}

func (p *Pipeline) processOnce(ctx context.Context, listingID int64, attempt int) (ProcessReport, error) {
	log := p.log.With(
		zap.String(logger.FieldStage, string(StageProcessListing)),
		zap.Int64(logger.FieldListingID, listingID),
		zap.Int(logger.FieldAttempt, attempt),
	)
	report := ProcessReport{ListingID: listingID}

	listing, err := p.deps.Stores.FindListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return report, configuration(fmt.Errorf("listing %d: %w", listingID, err))
		}
		return report, fmt.Errorf("loading listing %d: %w", listingID, err)
	}

	watches, err := p.deps.Stores.FindActiveWatches(ctx)
	if err != nil {
		return report, fmt.Errorf("loading active watches: %w", err)
	}

	for _, w := range watches {
		if !w.Active {
			continue
		}
		report.Watches++

		result := p.deps.Engine.Evaluate(listing, w)
		if !result.Recommended() {
			report.Rejected++
			log.Debug("listing rejected", zap.Int64(logger.FieldWatchID, w.ID), zap.String("reason", result.Reasoning))
			// An earlier evaluation may have recommended the pair.
			if err := p.deps.Stores.DeleteMatch(ctx, listing.ID, w.ID); err != nil {
				return report, fmt.Errorf("dropping match for watch %d: %w", w.ID, err)
			}
			continue
		}

		id, err := p.deps.IDs.NewID()
		if err != nil {
			return report, fmt.Errorf("allocating match id: %w", err)
		}

		match := &Match{
			ID:              id,
			ListingID:       listing.ID,
			WatchID:         w.ID,
			UserID:          w.UserID,
			Score:           result.Score,
			Tier:            result.Tier,
			MatchedKeywords: result.MatchedKeywords,
			Reasoning:       result.Reasoning,
		}
		match.Summary = p.summarize(ctx, log, listing, w)
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := p.deps.Stores.UpsertMatch(ctx, match); err != nil {
			return report, fmt.Errorf("storing match for watch %d: %w", w.ID, err)
		}
		report.Matched++
	}

	if err := p.deps.Stores.MarkProcessed(ctx, listing.ID, p.now()); err != nil {
		return report, fmt.Errorf("marking listing %d processed: %w", listing.ID, err)
	}

	log.Info("listing processed",
		zap.Int("watches", report.Watches),
		zap.Int("matched", report.Matched),
		zap.Int("rejected", report.Rejected),
	)
	return report, nil
}

// summarize never fails the stage: a missing summary only makes the digest terser.
func (p *Pipeline) summarize(ctx context.Context, log *zap.Logger, l *tender.Listing, w matching.Watch) string {
	if p.deps.Summarizer == nil {
		return ""
	}
	summary, err := p.deps.Summarizer.Summarize(ctx, l, w)
	if err != nil {
		log.Warn("summary failed", zap.Int64(logger.FieldWatchID, w.ID), zap.Error(err))
		return ""
	}
	return summary
}

// DigestReport summarises one dispatch tick.
type DigestReport struct {
	Tick       string `json:"tick"`
	Recipients int    `json:"recipients"`
	Sent       int    `json:"sent"`
	Items      int    `json:"items"`
	Failed     int    `json:"failed"`
}

// DispatchDigest hands each due recipient their unnotified matches grouped by
// tier. Matches are marked notified only after the hand-off succeeded.
func (p *Pipeline) DispatchDigest(ctx context.Context, tick time.Time) (DigestReport, error) {
	var report DigestReport
	key := tick.Format(TickLayout)

	_, err := p.deps.Runner.Run(ctx, StageDispatchDigest, key, func(ctx context.Context, attempt int) error {
		var err error
		report, err = p.dispatchOnce(ctx, tick, key, attempt)
		return err
	})
	return report, err
}

func (p *Pipeline) dispatchOnce(ctx context.Context, tick time.Time, key string, attempt int) (DigestReport, error) {
	log := p.log.With(
		zap.String(logger.FieldStage, string(StageDispatchDigest)),
		zap.String(logger.FieldJobKey, key),
		zap.Int(logger.FieldAttempt, attempt),
	)
	report := DigestReport{Tick: key}

	recipients, err := p.deps.Stores.ListRecipients(ctx)
	if err != nil {
		return report, fmt.Errorf("listing recipients: %w", err)
	}

	var failures []error
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		deliveries := p.dueDeliveries(r, tick)
		if len(deliveries) == 0 {
			continue
		}
		report.Recipients++

		rlog := log.With(zap.Int64(logger.FieldUserID, r.UserID))

		items, err := p.deps.Stores.FindUnnotified(ctx, r.UserID, deliveries)
		if err != nil {
			failures = append(failures, fmt.Errorf("user %d: %w", r.UserID, err))
			rlog.Error("loading unnotified matches failed", zap.Error(err))
			continue
		}
		if len(items) == 0 {
			continue
		}

		digest := BuildDigest(r, items, key, p.now())
		if err := p.deps.Notifier.Notify(ctx, digest); err != nil {
			report.Failed++
			failures = append(failures, fmt.Errorf("user %d: %w", r.UserID, err))
			rlog.Error("digest hand-off failed", zap.Error(err))
			continue
		}

		if err := p.deps.Stores.MarkNotified(ctx, digest.Versions(), p.now()); err != nil {
			report.Failed++
			failures = append(failures, fmt.Errorf("user %d: marking notified: %w", r.UserID, err))
			rlog.Error("marking matches notified failed", zap.Error(err))
			continue
		}

		report.Sent++
		report.Items += digest.Len()
		rlog.Info("digest handed off", zap.Int("items", digest.Len()))
	}

	log.Info("digest dispatch finished",
		zap.Int("recipients", report.Recipients),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(failures...)
}

// dueDeliveries returns the cadences of r that are due at tick. Instant
// watches ride along with the daily digest.
func (p *Pipeline) dueDeliveries(r Recipient, tick time.Time) []matching.Delivery {
	due := make([]matching.Delivery, 0, len(r.Deliveries))
	for _, d := range r.Deliveries {
		switch d {
		case matching.DeliveryInstant, matching.DeliveryDaily:
			due = append(due, d)
		case matching.DeliveryWeekly:
			if tick.Weekday() == p.cfg.WeeklyDigestDay {
				due = append(due, d)
			}
		}
	}
	return due
}

// BuildDigest groups items by tier, strong first, best score first within a tier.
// Empty tiers are omitted.
func BuildDigest(r Recipient, items []DigestItem, tick string, now time.Time) Digest {
	byTier := make(map[matching.Tier][]DigestItem)
	for _, item := range items {
		byTier[item.Tier] = append(byTier[item.Tier], item)
	}

	digest := Digest{
		UserID:      r.UserID,
		Email:       r.Email,
		Name:        r.Name,
		Tick:        tick,
		GeneratedAt: now,
	}
	for _, tier := range matching.RecommendedTiers() {
		group := byTier[tier]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Score != group[j].Score {
				return group[i].Score > group[j].Score
			}
			return group[i].MatchID < group[j].MatchID
		})
		digest.Groups = append(digest.Groups, DigestGroup{Tier: tier, Items: group})
	}
	return digest
}
