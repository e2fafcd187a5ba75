package server_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parley-ai/parley/pkg/types"
)

var _ = Describe("Session API", func() {
	Describe("POST /session", func() {
		It("creates a session in the created state", func() {
			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, rec.ID)

			Expect(rec.ID).NotTo(BeEmpty())
			Expect(rec.State).To(Equal(types.SessionCreated))
		})

		It("starts the first turn when initial text is given", func() {
			rec, err := client.CreateSession(ctx, "Say OK")
			Expect(err).NotTo(HaveOccurred())

			var items []*types.Message
			var finalID string
			Eventually(func() int {
				sessions, err := client.ListSessions(ctx)
				if err != nil {
					return 0
				}
				for _, s := range sessions {
					if s.Summary == "Say OK" && s.State == types.SessionIdle {
						finalID = s.ID
						msgs, _, _ := client.GetMessages(ctx, s.ID)
						items = msgs
						return len(msgs)
					}
				}
				return 0
			}, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 2))

			defer client.DeleteSession(ctx, finalID)
			Expect(items[0].Role).To(Equal(types.RoleUser))
			Expect(items[1].Role).To(Equal(types.RoleAgent))
			Expect(rec.ID).NotTo(Equal(finalID), "session re-keys to the provider identity")
		})
	})

	Describe("GET /session/{id}", func() {
		It("returns 404 for unknown sessions", func() {
			_, status, err := client.GetSession(ctx, "does-not-exist")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /session/{id}/message", func() {
		It("accepts a turn and streams it to completion", func() {
			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			status, err := client.SendMessage(ctx, rec.ID, "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))

			var finalID string
			Eventually(func() bool {
				sessions, err := client.ListSessions(ctx)
				if err != nil {
					return false
				}
				for _, s := range sessions {
					if s.Summary == "hello" && s.State == types.SessionIdle {
						finalID = s.ID
						return true
					}
				}
				return false
			}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
			defer client.DeleteSession(ctx, finalID)

			msgs, _, err := client.GetMessages(ctx, finalID)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(msgs)).To(BeNumerically(">=", 2))
		})

		It("rejects empty content", func() {
			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, rec.ID)

			status, err := client.SendMessage(ctx, rec.ID, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /session/{id}/abort", func() {
		It("conflicts when no turn is active", func() {
			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, rec.ID)

			status, err := client.AbortSession(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusConflict))
		})
	})

	Describe("DELETE /session/{id}", func() {
		It("removes the session and tolerates repeats", func() {
			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			status, err := client.DeleteSession(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))

			status, err = client.DeleteSession(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))

			_, status, err = client.GetSession(ctx, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusNotFound))
		})
	})
})
