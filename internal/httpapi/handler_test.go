package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dennissolver/tenderwatch/internal/httpapi"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

type mockTriggers struct {
	syncs     []int64
	listings  []int64
	ticks     []string
	enqueueFn func() error
}

func (m *mockTriggers) err() error {
	if m.enqueueFn != nil {
		return m.enqueueFn()
	}
	return nil
}

func (m *mockTriggers) EnqueueSync(_ context.Context, id int64) error {
	m.syncs = append(m.syncs, id)
	return m.err()
}

func (m *mockTriggers) EnqueueProcessListing(_ context.Context, id int64) error {
	m.listings = append(m.listings, id)
	return m.err()
}

func (m *mockTriggers) EnqueueDigest(_ context.Context, tick time.Time) error {
	m.ticks = append(m.ticks, tick.Format(pipeline.TickLayout))
	return m.err()
}

type mockJobs struct {
	jobs map[string]pipeline.Job
	err  error
}

func (m *mockJobs) Job(_ context.Context, stage pipeline.Stage, key string) (pipeline.Job, error) {
	if m.err != nil {
		return pipeline.Job{}, m.err
	}
	job, ok := m.jobs[pipeline.JobID(stage, key)]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return job, nil
}

var _ = Describe("Handler", func() {
	var (
		router   *gin.Engine
		triggers *mockTriggers
		jobs     *mockJobs
		redisErr error
	)

	serve := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		triggers = &mockTriggers{}
		jobs = &mockJobs{jobs: map[string]pipeline.Job{}}
		redisErr = nil
		checks := map[string]httpapi.Pinger{
			"redis": func(context.Context) error { return redisErr },
		}
		router = httpapi.NewRouter(httpapi.NewHandler(triggers, jobs, checks, nil), nil)
	})

	Describe("GET /health", func() {
		It("reports ok when every check passes", func() {
			w := serve(http.MethodGet, "/health", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("reports 503 when a backing service is down", func() {
			redisErr = errors.New("connection refused")
			w := serve(http.MethodGet, "/health", nil)
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(w.Body.String()).To(ContainSubstring("connection refused"))
		})
	})

	Describe("POST /v1/accounts/:id/sync", func() {
		It("enqueues a sync trigger", func() {
			w := serve(http.MethodPost, "/v1/accounts/42/sync", nil)
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(triggers.syncs).To(Equal([]int64{42}))

			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["job"]).To(Equal("/v1/jobs/sync-account/42"))
		})

		It("rejects a malformed id", func() {
			w := serve(http.MethodPost, "/v1/accounts/abc/sync", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(triggers.syncs).To(BeEmpty())
		})

		It("returns 500 when the stream is unavailable", func() {
			triggers.enqueueFn = func() error { return errors.New("redis down") }
			w := serve(http.MethodPost, "/v1/accounts/42/sync", nil)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			Expect(w.Body.String()).NotTo(ContainSubstring("redis down"))
		})
	})

	Describe("POST /v1/listings/:id/process", func() {
		It("enqueues a process trigger", func() {
			w := serve(http.MethodPost, "/v1/listings/7/process", nil)
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(triggers.listings).To(Equal([]int64{7}))
		})
	})

	Describe("POST /v1/digests", func() {
		It("enqueues the requested tick", func() {
			body, _ := json.Marshal(map[string]string{"tick": "2026-10-13"})
			w := serve(http.MethodPost, "/v1/digests", body)
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(triggers.ticks).To(Equal([]string{"2026-10-13"}))
		})

		It("defaults to today without a body", func() {
			w := serve(http.MethodPost, "/v1/digests", nil)
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(triggers.ticks).To(HaveLen(1))
		})

		It("reads the default tick in the schedule's timezone", func() {
			sydney, err := time.LoadLocation("Australia/Sydney")
			Expect(err).NotTo(HaveOccurred())
			router = httpapi.NewRouter(httpapi.NewHandler(triggers, jobs, nil, nil,
				httpapi.WithTickLocation(sydney),
				httpapi.WithClock(func() time.Time { return time.Date(2026, 10, 12, 21, 30, 0, 0, time.UTC) }),
			), nil)

			w := serve(http.MethodPost, "/v1/digests", nil)
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(triggers.ticks).To(Equal([]string{"2026-10-13"}))

			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["job"]).To(Equal("/v1/jobs/dispatch-digest/2026-10-13"))
		})

		It("rejects a malformed tick", func() {
			body, _ := json.Marshal(map[string]string{"tick": "13/10/2026"})
			w := serve(http.MethodPost, "/v1/digests", body)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(triggers.ticks).To(BeEmpty())
		})
	})

	Describe("GET /v1/jobs/:stage/:key", func() {
		It("returns the recorded job", func() {
			jobs.jobs[pipeline.JobID(pipeline.StageSyncAccount, "42")] = pipeline.Job{
				Stage: pipeline.StageSyncAccount, Key: "42", State: pipeline.JobFailedTerminal, Attempt: 4, MaxAttempts: 4,
				LastError: "portal rejected login",
			}

			w := serve(http.MethodGet, "/v1/jobs/sync-account/42", nil)
			Expect(w.Code).To(Equal(http.StatusOK))

			var job pipeline.Job
			Expect(json.Unmarshal(w.Body.Bytes(), &job)).To(Succeed())
			Expect(job.State).To(Equal(pipeline.JobFailedTerminal))
			Expect(job.Attempt).To(Equal(4))
		})

		It("returns 404 for an unknown key", func() {
			w := serve(http.MethodGet, "/v1/jobs/process-listing/9", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for an unknown stage", func() {
			w := serve(http.MethodGet, "/v1/jobs/apply/9", nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 500 when the store fails", func() {
			jobs.err = errors.New("redis timeout")
			w := serve(http.MethodGet, "/v1/jobs/sync-account/42", nil)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})
})
