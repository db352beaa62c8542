package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
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

func errorText(result *sdk.CallToolResult) string {
	Expect(result.Content).NotTo(BeEmpty())
	text, ok := result.Content[0].(*sdk.TextContent)
	Expect(ok).To(BeTrue())
	return text.Text
}

var _ = Describe("remember tool", func() {
	var (
		ctx    context.Context
		server *Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger := zap.NewNop()
		driver := inmemory.NewDriver()

		ix, err := index.New(index.Config{}, logger)
		Expect(err).NotTo(HaveOccurred())

		searcher := search.NewSearcher(driver, ix, nil, search.Config{}, logger)
		factory := fragment.NewFactory(logger)
		activity := session.NewActivity(session.Config{}, logger)
		manager := memory.New(driver, ix, searcher, factory, nil, nil, activity, nil, nil, memory.Config{}, logger)

		server, err = NewServer(Config{Manager: manager, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects a missing topic", func() {
		result, _, err := server.handleRemember(ctx, nil, RememberInput{
			Content: "the staging cluster lives in eu-west-1",
			Type:    string(fragment.TypeFact),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.IsError).To(BeTrue())
		Expect(errorText(result)).To(ContainSubstring("topic is required"))
	})

	It("rejects a missing type instead of defaulting it", func() {
		result, _, err := server.handleRemember(ctx, nil, RememberInput{
			Content: "the staging cluster lives in eu-west-1",
			Topic:   "infra",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.IsError).To(BeTrue())
		Expect(errorText(result)).To(ContainSubstring("type is required"))
	})

	It("stores a fragment when content, topic and type are all given", func() {
		result, output, err := server.handleRemember(ctx, nil, RememberInput{
			Content: "the staging cluster lives in eu-west-1",
			Topic:   "infra",
			Type:    string(fragment.TypeFact),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.IsError).To(BeFalse())
		Expect(output.ID).NotTo(BeEmpty())
	})
})
