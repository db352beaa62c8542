package fragment_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/recall/pkg/fragment"
)

var _ = Describe("Redact", func() {
	It("redacts OpenAI-style API keys", func() {
		in := "the key is sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD ok"
		out := fragment.Redact(in)
		Expect(out).To(Equal("the key is [REDACTED_API_KEY] ok"))
	})

	It("redacts Google API keys", func() {
		in := "use AIzaSyA1234567890abcdefghijklmnopqrstuv_ here"
		out := fragment.Redact(in)
		Expect(out).To(ContainSubstring("[REDACTED_API_KEY]"))
		Expect(out).NotTo(ContainSubstring("AIza"))
	})

	It("redacts email addresses", func() {
		out := fragment.Redact("contact dev@example.com for access")
		Expect(out).To(Equal("contact [REDACTED_EMAIL] for access"))
	})

	It("redacts passwords after a colon", func() {
		out := fragment.Redact("password: hunter2")
		Expect(out).To(Equal("password: [REDACTED_PWD]"))
	})

	It("redacts passwords after an equals sign", func() {
		out := fragment.Redact("pwd=s3cret!")
		Expect(out).To(Equal("pwd: [REDACTED_PWD]"))
	})

	It("redacts Korean password keywords", func() {
		out := fragment.Redact("비밀번호: 감자1234")
		Expect(out).To(Equal("비밀번호: [REDACTED_PWD]"))
	})

	It("redacts Korean mobile numbers", func() {
		out := fragment.Redact("call 010-1234-5678 tomorrow")
		Expect(out).To(Equal("call [REDACTED_PHONE] tomorrow"))
	})

	It("redacts mobile numbers without separators", func() {
		out := fragment.Redact("01012345678")
		Expect(out).To(Equal("[REDACTED_PHONE]"))
	})

	It("leaves clean text untouched", func() {
		in := "Redis NOAUTH indicates a missing configuration value."
		Expect(fragment.Redact(in)).To(Equal(in))
	})

	It("is idempotent", func() {
		inputs := []string{
			"password: hunter2 and dev@example.com",
			"sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD",
			"010-1234-5678 비번=abc",
			"nothing sensitive",
		}
		for _, in := range inputs {
			once := fragment.Redact(in)
			Expect(fragment.Redact(once)).To(Equal(once))
		}
	})
})
