package mcp_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/api/mcp"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/memory"
	"github.com/papercomputeco/recall/pkg/search"
	"github.com/papercomputeco/recall/pkg/session"
	"github.com/papercomputeco/recall/pkg/store/inmemory"
)

func newManager() *memory.Manager {
	logger := zap.NewNop()
	driver := inmemory.NewDriver()

	ix, err := index.New(index.Config{}, logger)
	Expect(err).NotTo(HaveOccurred())

	searcher := search.NewSearcher(driver, ix, nil, search.Config{}, logger)
	factory := fragment.NewFactory(logger)
	activity := session.NewActivity(session.Config{}, logger)

	return memory.New(driver, ix, searcher, factory, nil, nil, activity, nil, nil, memory.Config{}, logger)
}

var _ = Describe("MCP Server", func() {
	var server *mcp.Server

	BeforeEach(func() {
		var err error
		server, err = mcp.NewServer(mcp.Config{
			Manager: newManager(),
			Logger:  zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewServer", func() {
		It("returns an error when the manager is nil", func() {
			_, err := mcp.NewServer(mcp.Config{
				Logger: zap.NewNop(),
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("memory manager is required"))
		})

		It("returns an error when logger is nil", func() {
			_, err := mcp.NewServer(mcp.Config{
				Manager: newManager(),
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger is required"))
		})

		It("creates a server with valid config", func() {
			Expect(server).NotTo(BeNil())
		})

		It("returns an HTTP handler", func() {
			handler := server.Handler()
			Expect(handler).NotTo(BeNil())
		})

		It("builds an empty server in noop mode without a manager", func() {
			noop, err := mcp.NewServer(mcp.Config{Noop: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(noop).NotTo(BeNil())
		})
	})
})
