package server_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SSE Event Streaming", func() {
	Describe("GET /event", func() {
		It("sets SSE headers", func() {
			req, err := http.NewRequest(http.MethodGet, testServer.BaseURL+"/event", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Accept", "text/event-stream")

			httpClient := &http.Client{Timeout: 5 * time.Second}
			resp, err := httpClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
		})

		It("sends server.connected on open", func() {
			sse := testServer.SSEClient()
			Expect(sse.Connect(ctx, "/event")).To(Succeed())
			defer sse.Close()

			_, err := sse.WaitForEvent("server.connected", 2*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("delivers session lifecycle events", func() {
			sse := testServer.SSEClient()
			Expect(sse.Connect(ctx, "/event")).To(Succeed())
			defer sse.Close()

			_, err := sse.WaitForEvent("server.connected", 2*time.Second)
			Expect(err).NotTo(HaveOccurred())

			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, rec.ID)

			_, err = sse.WaitForEvent("session.created", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("streams turn progress as message and state events", func() {
			sse := testServer.SSEClient()
			Expect(sse.Connect(ctx, "/event")).To(Succeed())
			defer sse.Close()

			_, err := sse.WaitForEvent("server.connected", 2*time.Second)
			Expect(err).NotTo(HaveOccurred())

			rec, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			status, err := client.SendMessage(ctx, rec.ID, "stream me")
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(http.StatusAccepted))

			_, err = sse.WaitForEvent("message.created", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			_, err = sse.WaitForEvent("agent.state", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			_, err = sse.WaitForEvent("session.updated", 5*time.Second)
			Expect(err).NotTo(HaveOccurred(), "re-keying publishes session.updated")
		})
	})

	Describe("session filter", func() {
		It("only delivers events for the requested session", func() {
			recA, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, recA.ID)

			sse := testServer.SSEClient()
			Expect(sse.Connect(ctx, "/event?sessionID="+recA.ID)).To(Succeed())
			defer sse.Close()

			_, err = sse.WaitForEvent("server.connected", 2*time.Second)
			Expect(err).NotTo(HaveOccurred())

			recB, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, recB.ID)

			events := sse.CollectEvents(500 * time.Millisecond)
			for _, e := range events {
				Expect(e.Type).NotTo(Equal("session.created"),
					"other sessions' events must not leak through the filter")
			}
		})
	})
})
