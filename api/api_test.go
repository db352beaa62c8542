package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/memory"
	"github.com/papercomputeco/recall/pkg/search"
	"github.com/papercomputeco/recall/pkg/session"
	"github.com/papercomputeco/recall/pkg/store/inmemory"
)

var _ = Describe("Server", func() {
	var (
		server  *Server
		manager *memory.Manager
	)

	BeforeEach(func() {
		logger := zap.NewNop()
		driver := inmemory.NewDriver()

		ix, err := index.New(index.Config{}, logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(ix.Close)

		searcher := search.NewSearcher(driver, ix, nil, search.Config{}, logger)
		factory := fragment.NewFactory(logger)
		activity := session.NewActivity(session.Config{}, logger)
		manager = memory.New(driver, ix, searcher, factory, nil, nil, activity, nil, nil, memory.Config{}, logger)

		server = NewServer(Config{ListenAddr: ":0"}, manager, nil, logger)
	})

	Describe("GET /ping", func() {
		It("responds with pong", func() {
			resp, err := server.app.Test(httptest.NewRequest("GET", "/ping", nil))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(200))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("pong"))
		})
	})

	Describe("GET /stats", func() {
		BeforeEach(func() {
			_, err := manager.Remember(context.Background(), memory.RememberParams{
				Content: "redis timeout is five seconds",
				Type:    fragment.TypeFact,
				AgentID: "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports the scope's aggregates", func() {
			resp, err := server.app.Test(httptest.NewRequest("GET", "/stats?agent_id=agent-a", nil))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(200))

			var stats struct {
				Total  int            `json:"total"`
				ByType map[string]int `json:"by_type"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&stats)).To(Succeed())
			Expect(stats.Total).To(Equal(1))
			Expect(stats.ByType).To(HaveKeyWithValue("fact", 1))
		})

		It("defaults to the shared scope", func() {
			resp, err := server.app.Test(httptest.NewRequest("GET", "/stats", nil))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(200))

			var stats struct {
				Total int `json:"total"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&stats)).To(Succeed())
			Expect(stats.Total).To(BeZero())
		})
	})
})
