package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

var fixedNow = time.Date(2026, 10, 12, 7, 0, 0, 0, time.UTC) // a Monday

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type harness struct {
	stores      *memoryStores
	adapter     *fakeAdapter
	registry    *portal.Registry
	sessions    *fakeProvisioner
	opener      fakeOpener
	enqueuer    *fakeEnqueuer
	notifier    *fakeNotifier
	summarizer  pipeline.Summarizer
	jobs        *pipeline.MemoryJobs
	locker      *pipeline.MemoryLocker
	weeklyDay   time.Weekday
	constructed atomic.Int32
}

func newHarness() *harness {
	h := &harness{
		stores:    newMemoryStores(),
		adapter:   &fakeAdapter{site: tender.SiteAusTender, login: portal.LoginResult{Success: true}},
		registry:  portal.NewRegistry(),
		sessions:  &fakeProvisioner{},
		enqueuer:  &fakeEnqueuer{},
		notifier:  &fakeNotifier{},
		jobs:      pipeline.NewMemoryJobs(),
		locker:    pipeline.NewMemoryLocker(),
		weeklyDay: time.Monday,
	}
	Expect(h.registry.Register(tender.SiteAusTender, func(portal.Session) (portal.Adapter, error) {
		h.constructed.Add(1)
		return h.adapter, nil
	})).To(Succeed())
	return h
}

func (h *harness) build() *pipeline.Pipeline {
	runner := pipeline.NewRunner(nil, h.locker, h.jobs, zap.NewNop(),
		pipeline.WithWait(noWait),
		pipeline.WithClock(func() time.Time { return fixedNow }),
	)
	p, err := pipeline.New(pipeline.Config{WeeklyDigestDay: h.weeklyDay}, pipeline.Deps{
		Stores:      h.stores,
		Registry:    h.registry,
		Sessions:    h.sessions,
		Credentials: h.opener,
		Triggers:    h.enqueuer,
		Notifier:    h.notifier,
		Summarizer:  h.summarizer,
		IDs:         &sequenceIDs{},
		Engine:      matching.NewEngine(func() time.Time { return fixedNow }),
		Runner:      runner,
	}, zap.NewNop(), pipeline.WithNow(func() time.Time { return fixedNow }))
	Expect(err).NotTo(HaveOccurred())
	return p
}

func roadworksWatch(id, userID int64) matching.Watch {
	return matching.Watch{
		ID:                      id,
		UserID:                  userID,
		Name:                    "Civil works",
		Active:                  true,
		KeywordsMust:            []string{"roadworks", "drainage"},
		Regions:                 []string{"NSW"},
		IncludeUnspecifiedValue: true,
		Sensitivity:             matching.SensitivityBalanced,
		Delivery:                matching.DeliveryDaily,
		DetailLevel:             matching.DetailStandard,
	}
}

func roadworksListing(id int64, sourceID string) *tender.Listing {
	closes := fixedNow.AddDate(0, 0, 45)
	return &tender.Listing{
		ID:        id,
		Source:    tender.SiteAusTender,
		SourceID:  sourceID,
		Title:     "Roadworks and drainage upgrade " + sourceID,
		Regions:   []string{"NSW"},
		ValueLow:  ptr(100_000),
		ValueHigh: ptr(500_000),
		ClosesAt:  &closes,
		SourceURL: "https://www.tenders.gov.au/Atm/Show/" + sourceID,
	}
}

var _ = Describe("SyncAccount", func() {
	var (
		h   *harness
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()
		h.stores.accounts[1] = &pipeline.Account{ID: 1, UserID: 7, Site: "austender", Status: pipeline.AccountPending}
		h.stores.watches = []matching.Watch{roadworksWatch(11, 7)}
		h.adapter.stubs = []tender.Stub{
			{SourceID: "ATM1", Title: "Roadworks package"},
			{SourceID: "ATM2", Title: "Drainage renewal"},
		}
		h.adapter.details = map[string]*tender.Listing{
			"ATM1": {SourceID: "ATM1", Title: "Roadworks package", Description: "Resurfacing"},
			"ATM2": {SourceID: "ATM2", Title: "Drainage renewal"},
		}
	})

	Context("when the portal answers", func() {
		It("stores every listing and enqueues one trigger per new listing", func() {
			report, err := h.build().SyncAccount(ctx, 1)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Found).To(Equal(2))
			Expect(report.Stored).To(Equal(2))
			Expect(report.Enqueued).To(Equal(2))
			Expect(h.enqueuer.enqueued()).To(HaveLen(2))

			account := h.stores.account(1)
			Expect(account.Status).To(Equal(pipeline.AccountConnected))
			Expect(account.LastSyncAt).NotTo(BeNil())
			Expect(account.LastError).To(BeEmpty())

			Expect(h.sessions.allClosed()).To(BeTrue())
			Expect(h.adapter.loggedOut.Load()).To(BeEquivalentTo(1))
		})

		It("does not enqueue listings that were already processed", func() {
			p := h.build()
			_, err := p.SyncAccount(ctx, 1)
			Expect(err).NotTo(HaveOccurred())

			for _, id := range h.enqueuer.enqueued() {
				Expect(h.stores.MarkProcessed(ctx, id, fixedNow)).To(Succeed())
			}

			report, err := p.SyncAccount(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stored).To(Equal(2))
			Expect(report.Enqueued).To(BeZero())
			Expect(h.stores.listings).To(HaveLen(2))
		})

		It("skips stubs whose detail page fails", func() {
			delete(h.adapter.details, "ATM2")

			report, err := h.build().SyncAccount(ctx, 1)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stored).To(Equal(1))
			Expect(report.Skipped).To(Equal(1))
		})

		It("tags listings with the account's site", func() {
			_, err := h.build().SyncAccount(ctx, 1)
			Expect(err).NotTo(HaveOccurred())

			for _, l := range h.stores.listings {
				Expect(l.Source).To(Equal(tender.SiteAusTender))
			}
		})
	})

	Context("when the portal fails transiently", func() {
		It("retries within the budget", func() {
			var calls atomic.Int32
			h.adapter.searchFn = func(context.Context) error {
				if calls.Add(1) < 3 {
					return portal.ErrTimeout
				}
				return nil
			}

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(err).NotTo(HaveOccurred())
			job, ok := h.jobs.Job(pipeline.StageSyncAccount, "1")
			Expect(ok).To(BeTrue())
			Expect(job.State).To(Equal(pipeline.JobSucceeded))
			Expect(job.Attempt).To(Equal(3))
			Expect(h.sessions.allClosed()).To(BeTrue())
		})

		It("records error status once retries are exhausted", func() {
			h.adapter.searchFn = func(context.Context) error { return errors.New("portal down") }

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(err).To(MatchError(ContainSubstring("portal down")))
			job, _ := h.jobs.Job(pipeline.StageSyncAccount, "1")
			Expect(job.State).To(Equal(pipeline.JobFailedTerminal))
			Expect(job.Attempt).To(Equal(4))
			Expect(job.MaxAttempts).To(Equal(4))

			account := h.stores.account(1)
			Expect(account.Status).To(Equal(pipeline.AccountError))
			Expect(account.LastError).To(ContainSubstring("portal down"))
		})

		It("retries a rejected login", func() {
			h.adapter.login = portal.LoginResult{Success: false, Message: "Invalid email or password"}

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(errors.Is(err, pipeline.ErrLoginRejected)).To(BeTrue())
			job, _ := h.jobs.Job(pipeline.StageSyncAccount, "1")
			Expect(job.Attempt).To(Equal(4))
			Expect(h.stores.account(1).LastError).To(ContainSubstring("Invalid email or password"))
		})
	})

	Context("when the failure is a configuration error", func() {
		expectSingleAttempt := func() {
			job, ok := h.jobs.Job(pipeline.StageSyncAccount, "1")
			Expect(ok).To(BeTrue())
			Expect(job.State).To(Equal(pipeline.JobFailedTerminal))
			Expect(job.Attempt).To(Equal(1))
		}

		It("fails an unknown site without retrying", func() {
			h.stores.accounts[1].Site = "ebay"

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(errors.Is(err, pipeline.ErrConfiguration)).To(BeTrue())
			Expect(errors.Is(err, portal.ErrUnknownSite)).To(BeTrue())
			expectSingleAttempt()
			Expect(h.stores.account(1).Status).To(Equal(pipeline.AccountError))
			Expect(h.sessions.sessions).To(BeEmpty())
		})

		It("fails a catalogued site without a connector", func() {
			h.stores.accounts[1].Site = "vic_tenders"

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(errors.Is(err, pipeline.ErrConfiguration)).To(BeTrue())
			Expect(errors.Is(err, portal.ErrNotImplemented)).To(BeTrue())
			expectSingleAttempt()
		})

		It("fails undecryptable credentials before opening a session", func() {
			h.opener = fakeOpener{err: errors.New("secretbox: message authentication failed")}

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(errors.Is(err, pipeline.ErrConfiguration)).To(BeTrue())
			expectSingleAttempt()
			Expect(h.sessions.sessions).To(BeEmpty())
			Expect(h.stores.account(1).LastError).NotTo(ContainSubstring("hunter2"))
		})

		It("fails a missing account", func() {
			_, err := h.build().SyncAccount(ctx, 99)

			Expect(errors.Is(err, pipeline.ErrConfiguration)).To(BeTrue())
			Expect(errors.Is(err, pipeline.ErrNotFound)).To(BeTrue())
			job, _ := h.jobs.Job(pipeline.StageSyncAccount, "99")
			Expect(job.Attempt).To(Equal(1))
		})
	})

	Context("when the portal reports the account as expired", func() {
		It("marks the account expired and stops", func() {
			h.adapter.login = portal.LoginResult{Success: false, Message: "Your account has been locked. Contact the help desk."}

			_, err := h.build().SyncAccount(ctx, 1)

			Expect(errors.Is(err, pipeline.ErrAccountExpired)).To(BeTrue())
			job, _ := h.jobs.Job(pipeline.StageSyncAccount, "1")
			Expect(job.Attempt).To(Equal(1))

			account := h.stores.account(1)
			Expect(account.Status).To(Equal(pipeline.AccountExpired))
			Expect(account.LastError).To(ContainSubstring("locked"))
		})
	})

	Context("when many accounts sync at once", func() {
		It("runs at most five concurrently", func() {
			for id := int64(1); id <= 8; id++ {
				h.stores.accounts[id] = &pipeline.Account{ID: id, UserID: 7, Site: "austender"}
			}

			var active, peak atomic.Int32
			release := make(chan struct{})
			h.adapter.loginFn = func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				active.Add(-1)
				return nil
			}

			p := h.build()
			var wg sync.WaitGroup
			for id := int64(1); id <= 8; id++ {
				wg.Add(1)
				go func(id int64) {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := p.SyncAccount(ctx, id)
					Expect(err).NotTo(HaveOccurred())
				}(id)
			}

			Eventually(active.Load).Should(BeEquivalentTo(5))
			Consistently(active.Load, 100*time.Millisecond).Should(BeEquivalentTo(5))
			close(release)
			wg.Wait()

			Expect(peak.Load()).To(BeEquivalentTo(5))
		})

		It("never runs the same account twice at once", func() {
			entered := make(chan struct{})
			release := make(chan struct{})
			h.adapter.loginFn = func(context.Context) error {
				close(entered)
				<-release
				return nil
			}

			p := h.build()
			done := make(chan error, 1)
			go func() {
				_, err := p.SyncAccount(ctx, 1)
				done <- err
			}()
			Eventually(entered).Should(BeClosed())

			_, err := p.SyncAccount(ctx, 1)
			Expect(errors.Is(err, pipeline.ErrInFlight)).To(BeTrue())

			close(release)
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	Context("when the caller cancels", func() {
		It("keeps listings stored before the cancellation", func() {
			cctx, cancel := context.WithCancel(ctx)
			h.adapter.detailFn = func(_ context.Context, id string) error {
				if id == "ATM2" {
					cancel()
					return context.Canceled
				}
				return nil
			}

			_, err := h.build().SyncAccount(cctx, 1)

			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(h.stores.listings).To(HaveLen(1))
			Expect(h.stores.account(1).Status).To(Equal(pipeline.AccountPending))
			Expect(h.sessions.allClosed()).To(BeTrue())
		})
	})
})

var _ = Describe("ProcessListing", func() {
	var (
		h       *harness
		ctx     context.Context
		listing *tender.Listing
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()
		listing = roadworksListing(500, "ATM500")
		h.stores.listings[500] = listing
		h.stores.bySource[listing.Key()] = 500

		excluded := roadworksWatch(12, 8)
		excluded.KeywordsExclude = []string{"drainage"}
		inactive := roadworksWatch(13, 9)
		inactive.Active = false

		h.stores.watches = []matching.Watch{roadworksWatch(11, 7), excluded, inactive}
	})

	It("upserts one match per recommended watch", func() {
		report, err := h.build().ProcessListing(ctx, 500)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Watches).To(Equal(2))
		Expect(report.Matched).To(Equal(1))
		Expect(report.Rejected).To(Equal(1))

		matches := h.stores.allMatches()
		Expect(matches).To(HaveLen(1))
		Expect(matches[0].WatchID).To(BeEquivalentTo(11))
		Expect(matches[0].UserID).To(BeEquivalentTo(7))
		Expect(matches[0].Score).To(Equal(80))
		Expect(matches[0].Tier).To(Equal(matching.TierStrong))
		Expect(matches[0].MatchedKeywords).To(ConsistOf("roadworks", "drainage"))
		Expect(h.stores.processed).To(HaveKey(int64(500)))
	})

	It("does not duplicate matches when triggered twice", func() {
		p := h.build()
		_, err := p.ProcessListing(ctx, 500)
		Expect(err).NotTo(HaveOccurred())
		first := h.stores.allMatches()[0].ID

		_, err = p.ProcessListing(ctx, 500)
		Expect(err).NotTo(HaveOccurred())

		matches := h.stores.allMatches()
		Expect(matches).To(HaveLen(1))
		Expect(matches[0].ID).To(Equal(first))
	})

	It("re-evaluates in place after a watch edit", func() {
		p := h.build()
		_, err := p.ProcessListing(ctx, 500)
		Expect(err).NotTo(HaveOccurred())

		h.stores.watches[0].KeywordsBonus = []string{"upgrade"}
		_, err = p.ProcessListing(ctx, 500)
		Expect(err).NotTo(HaveOccurred())

		matches := h.stores.allMatches()
		Expect(matches).To(HaveLen(1))
		Expect(matches[0].Score).To(Equal(95))
		Expect(matches[0].Reasoning).To(ContainSubstring("Matched 1 bonus keyword(s)"))
	})

	It("drops the match when an edited watch now rejects the listing", func() {
		p := h.build()
		_, err := p.ProcessListing(ctx, 500)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.stores.allMatches()).To(HaveLen(1))

		h.stores.watches[0].KeywordsExclude = []string{"drainage"}
		report, err := p.ProcessListing(ctx, 500)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Rejected).To(Equal(2))

		Expect(h.stores.allMatches()).To(BeEmpty())
		items, err := h.stores.FindUnnotified(ctx, 7, []matching.Delivery{matching.DeliveryDaily})
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())
	})

	It("attaches a summary at the watch's detail level", func() {
		h.summarizer = fakeSummarizer{}

		_, err := h.build().ProcessListing(ctx, 500)

		Expect(err).NotTo(HaveOccurred())
		Expect(h.stores.allMatches()[0].Summary).To(HavePrefix("standard: Roadworks"))
	})

	It("still stores the match when the summary fails", func() {
		h.summarizer = fakeSummarizer{err: errors.New("quota exceeded")}

		_, err := h.build().ProcessListing(ctx, 500)

		Expect(err).NotTo(HaveOccurred())
		matches := h.stores.allMatches()
		Expect(matches).To(HaveLen(1))
		Expect(matches[0].Summary).To(BeEmpty())
	})

	It("fails a missing listing without retrying", func() {
		_, err := h.build().ProcessListing(ctx, 404)

		Expect(errors.Is(err, pipeline.ErrConfiguration)).To(BeTrue())
		job, _ := h.jobs.Job(pipeline.StageProcessListing, "404")
		Expect(job.State).To(Equal(pipeline.JobFailedTerminal))
		Expect(job.Attempt).To(Equal(1))
	})

	It("retries transient store failures up to three attempts", func() {
		h.stores.findWatchesFn = func() error { return errors.New("connection reset") }

		_, err := h.build().ProcessListing(ctx, 500)

		Expect(err).To(HaveOccurred())
		job, _ := h.jobs.Job(pipeline.StageProcessListing, "500")
		Expect(job.Attempt).To(Equal(3))
		Expect(h.jobs.History(pipeline.StageProcessListing, "500")).To(Equal([]pipeline.JobState{
			pipeline.JobPending,
			pipeline.JobRunning, pipeline.JobFailedRetryable,
			pipeline.JobRunning, pipeline.JobFailedRetryable,
			pipeline.JobRunning, pipeline.JobFailedTerminal,
		}))
		Expect(h.stores.processed).NotTo(HaveKey(int64(500)))
	})
})

var _ = Describe("DispatchDigest", func() {
	var (
		h   *harness
		ctx context.Context
	)

	addMatch := func(id, listingID, watchID, userID int64, score int, tier matching.Tier) {
		h.stores.listings[listingID] = roadworksListing(listingID, fmt.Sprintf("ATM%d", listingID))
		h.stores.matches[matchKey{listingID, watchID}] = &pipeline.Match{
			ID: id, ListingID: listingID, WatchID: watchID, UserID: userID,
			Score: score, Tier: tier, Reasoning: "Matched 1 must-have keyword(s)",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()

		daily := roadworksWatch(11, 7)
		other := roadworksWatch(14, 7)
		weekly := roadworksWatch(21, 8)
		weekly.Delivery = matching.DeliveryWeekly
		h.stores.watches = []matching.Watch{daily, other, weekly}
		h.stores.recipients = []pipeline.Recipient{
			{UserID: 7, Email: "ops@civil.example", Deliveries: []matching.Delivery{matching.DeliveryDaily}},
			{UserID: 8, Email: "bids@weekly.example", Deliveries: []matching.Delivery{matching.DeliveryWeekly}},
		}

		addMatch(1, 101, 11, 7, 45, matching.TierMaybe)
		addMatch(2, 102, 11, 7, 80, matching.TierStrong)
		addMatch(3, 103, 14, 7, 60, matching.TierMaybe)
		addMatch(4, 104, 14, 7, 25, matching.TierStretch)
		addMatch(5, 105, 21, 8, 70, matching.TierStrong)
	})

	It("groups matches by tier with the best score first", func() {
		report, err := h.build().DispatchDigest(ctx, fixedNow.AddDate(0, 0, 1))

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Sent).To(Equal(1))

		sent := h.notifier.sent()
		Expect(sent).To(HaveLen(1))
		digest := sent[0]
		Expect(digest.UserID).To(BeEquivalentTo(7))
		Expect(digest.Tick).To(Equal("2026-10-13"))
		Expect(digest.Groups).To(HaveLen(3))
		Expect(digest.Groups[0].Tier).To(Equal(matching.TierStrong))
		Expect(digest.Groups[1].Tier).To(Equal(matching.TierMaybe))
		Expect(digest.Groups[1].Items[0].Score).To(Equal(60))
		Expect(digest.Groups[1].Items[1].Score).To(Equal(45))
		Expect(digest.Groups[2].Tier).To(Equal(matching.TierStretch))
		Expect(digest.MatchIDs()).To(ConsistOf(int64(1), int64(2), int64(3), int64(4)))
	})

	It("includes weekly recipients only on the configured weekday", func() {
		_, err := h.build().DispatchDigest(ctx, fixedNow)

		Expect(err).NotTo(HaveOccurred())
		users := make([]int64, 0)
		for _, d := range h.notifier.sent() {
			users = append(users, d.UserID)
		}
		Expect(users).To(ConsistOf(int64(7), int64(8)))
	})

	It("marks matches notified and never resends them", func() {
		p := h.build()
		_, err := p.DispatchDigest(ctx, fixedNow.AddDate(0, 0, 1))
		Expect(err).NotTo(HaveOccurred())

		for _, m := range h.stores.allMatches() {
			if m.UserID == 7 {
				Expect(m.NotifiedAt).NotTo(BeNil())
			}
		}

		report, err := p.DispatchDigest(ctx, fixedNow.AddDate(0, 0, 2))
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Sent).To(BeZero())
		Expect(h.notifier.sent()).To(HaveLen(1))
	})

	It("leaves a match rescored during the hand-off for the next digest", func() {
		h.notifier.onNotify = func(d pipeline.Digest) {
			if d.UserID != 7 {
				return
			}
			rescored := &pipeline.Match{
				ListingID: 102, WatchID: 11, UserID: 7,
				Score: 95, Tier: matching.TierStrong, Reasoning: "Matched 2 must-have keyword(s)",
			}
			Expect(h.stores.UpsertMatch(ctx, rescored)).To(Succeed())
		}

		p := h.build()
		_, err := p.DispatchDigest(ctx, fixedNow.AddDate(0, 0, 1))
		Expect(err).NotTo(HaveOccurred())

		for _, m := range h.stores.allMatches() {
			switch {
			case m.ID == 2:
				Expect(m.NotifiedAt).To(BeNil())
			case m.UserID == 7:
				Expect(m.NotifiedAt).NotTo(BeNil())
			}
		}

		h.notifier.onNotify = nil
		_, err = p.DispatchDigest(ctx, fixedNow.AddDate(0, 0, 2))
		Expect(err).NotTo(HaveOccurred())

		sent := h.notifier.sent()
		Expect(sent).To(HaveLen(2))
		Expect(sent[1].MatchIDs()).To(ConsistOf(int64(2)))
		Expect(sent[1].Groups[0].Items[0].Score).To(Equal(95))
	})

	It("leaves matches unnotified when the hand-off fails", func() {
		h.notifier.failFor = map[int64]error{7: errors.New("smtp relay unavailable")}

		report, err := h.build().DispatchDigest(ctx, fixedNow)

		Expect(err).To(MatchError(ContainSubstring("smtp relay unavailable")))
		Expect(report.Failed).To(Equal(1))
		for _, m := range h.stores.allMatches() {
			if m.UserID == 7 {
				Expect(m.NotifiedAt).To(BeNil())
			} else {
				Expect(m.NotifiedAt).NotTo(BeNil())
			}
		}

		job, _ := h.jobs.Job(pipeline.StageDispatchDigest, "2026-10-12")
		Expect(job.Attempt).To(Equal(3))
		Expect(h.notifier.sent()).To(HaveLen(1))
	})
})
