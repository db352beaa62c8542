package session_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/session"
)

// scriptedLLM returns a canned completion, or fails when response is empty.
type scriptedLLM struct {
	response  string
	available bool
	prompts   []string
}

func (c *scriptedLLM) CompleteJSON(_ context.Context, prompt string, _ time.Duration) ([]byte, error) {
	c.prompts = append(c.prompts, prompt)
	if c.response == "" {
		return nil, errors.New("scripted failure")
	}
	return []byte(c.response), nil
}

func (c *scriptedLLM) Available() bool { return c.available }
func (c *scriptedLLM) Close() error    { return nil }

// recordingSink captures what AutoReflect hands to the memory layer.
type recordingSink struct {
	reflections []session.Reflection
	facts       []string
	err         error
}

func (s *recordingSink) Reflect(_ context.Context, _, _ string, r session.Reflection) error {
	if s.err != nil {
		return s.err
	}
	s.reflections = append(s.reflections, r)
	return nil
}

func (s *recordingSink) RememberFact(_ context.Context, content, _, _ string) error {
	s.facts = append(s.facts, content)
	return nil
}

var _ = Describe("Activity", func() {
	var (
		activity *session.Activity
		base     time.Time
		offset   time.Duration
	)

	BeforeEach(func() {
		base = time.Now()
		offset = 0
		activity = session.NewActivity(session.Config{}, zap.NewNop()).
			WithClock(func() time.Time { return base.Add(offset) })
	})

	It("accumulates tool calls, keywords and fragments", func() {
		activity.RecordToolCall("sess-1", "agent-a", "recall")
		activity.RecordToolCall("sess-1", "agent-a", "recall")
		activity.RecordToolCall("sess-1", "agent-a", "remember")
		activity.RecordKeywords("sess-1", []string{"redis", "timeout", "redis"})
		activity.RecordFragment("sess-1", "frag-1")
		activity.RecordFragment("sess-1", "frag-1")

		r := activity.Get("sess-1")
		Expect(r).NotTo(BeNil())
		Expect(r.ToolCalls).To(Equal(map[string]int{"recall": 2, "remember": 1}))
		Expect(r.Keywords).To(Equal([]string{"redis", "timeout"}))
		Expect(r.Fragments).To(Equal([]string{"frag-1"}))
		Expect(r.ToolSummary()).To(Equal("recall:2, remember:1"))
	})

	It("bounds the keyword list to the most recent entries", func() {
		for i := 0; i < session.MaxKeywords+10; i++ {
			activity.RecordKeywords("sess-1", []string{fmt.Sprintf("kw-%03d", i)})
		}
		r := activity.Get("sess-1")
		Expect(r.Keywords).To(HaveLen(session.MaxKeywords))
		Expect(r.Keywords[0]).To(Equal("kw-010"))
	})

	It("expires idle sessions after the TTL", func() {
		activity.RecordToolCall("sess-1", "agent-a", "recall")

		offset = 25 * time.Hour
		Expect(activity.Get("sess-1")).To(BeNil())
	})

	It("lists unreflected sessions with activity", func() {
		activity.RecordToolCall("sess-a", "agent-a", "recall")
		activity.RecordToolCall("sess-b", "agent-a", "recall")
		activity.RecordKeywords("sess-idle", []string{"kw"})
		activity.MarkReflected("sess-b")

		Expect(activity.Unreflected(10)).To(Equal([]string{"sess-a"}))
	})
})

var _ = Describe("AutoReflect", func() {
	var (
		activity *session.Activity
		sink     *recordingSink
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		activity = session.NewActivity(session.Config{}, zap.NewNop())
		sink = &recordingSink{}
	})

	It("passes a structured reflection to the sink when the LLM answers", func() {
		activity.RecordToolCall("sess-1", "agent-a", "remember")
		client := &scriptedLLM{
			available: true,
			response:  `{"summary":"fixed the redis outage","decisions":["keep 5s timeout"],"errors_resolved":["connection reset"],"new_procedures":[],"open_questions":[]}`,
		}

		ar := session.NewAutoReflect(activity, client, sink, zap.NewNop())
		Expect(ar.Run(ctx, "sess-1")).To(Succeed())

		Expect(sink.reflections).To(HaveLen(1))
		Expect(sink.reflections[0].Summary).To(Equal("fixed the redis outage"))
		Expect(sink.facts).To(BeEmpty())
		Expect(activity.Get("sess-1").Reflected).To(BeTrue())
	})

	It("falls back to a minimal fact when the LLM is unreachable", func() {
		activity.RecordToolCall("sess-1", "agent-a", "recall")
		activity.RecordFragment("sess-1", "frag-1")
		client := &scriptedLLM{available: false}

		ar := session.NewAutoReflect(activity, client, sink, zap.NewNop())
		Expect(ar.Run(ctx, "sess-1")).To(Succeed())

		Expect(sink.reflections).To(BeEmpty())
		Expect(sink.facts).To(HaveLen(1))
		Expect(sink.facts[0]).To(ContainSubstring("session sess-1:"))
		Expect(sink.facts[0]).To(ContainSubstring("tools=recall:1"))
		Expect(sink.facts[0]).To(ContainSubstring("fragments=1"))
	})

	It("falls back to a minimal fact when the completion is garbage", func() {
		activity.RecordToolCall("sess-1", "agent-a", "recall")
		client := &scriptedLLM{available: true, response: "not json"}

		ar := session.NewAutoReflect(activity, client, sink, zap.NewNop())
		Expect(ar.Run(ctx, "sess-1")).To(Succeed())
		Expect(sink.reflections).To(BeEmpty())
		Expect(sink.facts).To(HaveLen(1))
	})

	It("skips sessions with no tool calls", func() {
		activity.RecordKeywords("sess-1", []string{"kw"})

		ar := session.NewAutoReflect(activity, &scriptedLLM{available: true}, sink, zap.NewNop())
		Expect(ar.Run(ctx, "sess-1")).To(Succeed())

		Expect(sink.reflections).To(BeEmpty())
		Expect(sink.facts).To(BeEmpty())
		Expect(activity.Get("sess-1").Reflected).To(BeTrue())
	})

	It("does not reflect the same session twice", func() {
		activity.RecordToolCall("sess-1", "agent-a", "recall")
		client := &scriptedLLM{available: false}

		ar := session.NewAutoReflect(activity, client, sink, zap.NewNop())
		Expect(ar.Run(ctx, "sess-1")).To(Succeed())
		Expect(ar.Run(ctx, "sess-1")).To(Succeed())
		Expect(sink.facts).To(HaveLen(1))
	})

	It("reflects every open session on RunAll", func() {
		activity.RecordToolCall("sess-a", "agent-a", "recall")
		activity.RecordToolCall("sess-b", "agent-a", "remember")

		ar := session.NewAutoReflect(activity, &scriptedLLM{available: false}, sink, zap.NewNop())
		ar.RunAll(ctx)
		Expect(sink.facts).To(HaveLen(2))
	})
})
