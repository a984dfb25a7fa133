package controller

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

var _ = Describe("Controller", func() {
	var (
		f    *fixture
		done <-chan bool
	)

	state := func() State { return f.ctrl.State() }

	submit := func(text string) {
		Eventually(state, time.Second).Should(Equal(StateWaitForInput))
		f.ctrl.AcceptInput(text)
		Eventually(state, time.Second).Should(Equal(StateShowRequest))
	}

	finish := func() {
		f.ctrl.CancelSession()
		Eventually(done, time.Second).Should(Receive())
	}

	Describe("Scenario A: a fresh run", func() {
		BeforeEach(func() {
			f = newFixture(base)
			done = f.start(context.Background(), RunOptions{})
		})

		It("waits for input with the widget shown", func() {
			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(f.ctrl.IsActive()).To(BeTrue())
			Expect(f.ui.isShown()).To(BeTrue())
			Expect(f.ctrl.Session().Chat().Requests()).To(BeEmpty())
			Expect(f.ctrl.HasEdits()).To(BeFalse())
			Expect(f.ctrl.Done()).NotTo(BeClosed())
			finish()
			Eventually(f.ctrl.Done(), time.Second).Should(BeClosed())
			Expect(f.ui.isShown()).To(BeFalse())
		})
	})

	Describe("Scenario B: streaming two batches", func() {
		BeforeEach(func() {
			f = newFixture(base)
			done = f.start(context.Background(), RunOptions{})
			submit("add five lines")
		})

		It("applies every edit in order", func() {
			Expect(f.agent.send(pushEdits(testURI, insertLines(1, 3)))).To(BeTrue())
			Expect(f.agent.send(pushEdits(testURI, insertLines(4, 2)))).To(BeTrue())
			Expect(f.agent.send(nil)).To(BeTrue())

			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(f.doc.Text()).To(Equal("N1\nN2\nN3\nN4\nN5\n" + base))
			Expect(f.applied()).To(Equal(5))
			Expect(f.ctrl.HasEdits()).To(BeTrue())
			Expect(f.ctrl.Session().Hunks().Pending()).To(Equal(1))

			f.ui.mu.Lock()
			validations := append([]bool(nil), f.ui.validations...)
			f.ui.mu.Unlock()
			Expect(validations).To(Equal([]bool{false, true}))
			finish()
		})
	})

	Describe("Scenario C: a response canceled mid-stream", func() {
		var (
			resp    *chat.Response
			entered chan struct{}
			release chan struct{}
		)

		BeforeEach(func() {
			f = newFixture(base)
			sel := types.NewRange(3, 1, 3, 1)
			done = f.start(context.Background(), RunOptions{Selection: &sel})
			submit("add lines")

			// hold the edit queue after the first batch
			entered = make(chan struct{})
			release = make(chan struct{})
			var once sync.Once
			f.ui.setReposition(func() {
				once.Do(func() {
					close(entered)
					<-release
				})
			})

			Expect(f.agent.send(pushEdits(testURI, insertLines(1, 3)))).To(BeTrue())
			Eventually(entered, time.Second).Should(BeClosed())
			Expect(f.agent.send(pushEdits(testURI, insertLines(4, 2)))).To(BeTrue())
			resp = f.lastResponse()
		})

		It("keeps waiting for input when no message arrived", func() {
			f.chat.CancelCurrentRequest(f.ctrl.Session().Chat())
			close(release)

			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(resp.IsCanceled()).To(BeTrue())
			Expect(f.doc.Text()).To(Equal("N1\nN2\nN3\n" + base))
			Expect(f.applied()).To(Equal(3))
			finish()
		})

		It("cancels the session when a cancel message arrived", func() {
			f.ctrl.CancelSession()
			Eventually(resp.IsCanceled, time.Second).Should(BeTrue())
			close(release)

			Eventually(done, time.Second).Should(Receive(BeFalse()))
			Expect(f.ctrl.State()).To(Equal(StateCancel))
			Expect(f.doc.Text()).To(Equal(base))
			groups := resp.EditGroups(testURI)
			Expect(groups).To(HaveLen(1))
			Expect(groups[0].State.Applied()).To(Equal(3))
		})
	})

	Describe("Scenario D: a response that fails", func() {
		BeforeEach(func() {
			f = newFixture(base)
			done = f.start(context.Background(), RunOptions{})
			submit("break things")
		})

		It("restores the text from before the request", func() {
			Expect(f.agent.send(pushEdits(testURI, insertLines(1, 2)))).To(BeTrue())
			Eventually(f.applied, time.Second).Should(Equal(2))
			Expect(f.agent.send(func(agent.Sink) error {
				return &agent.Error{Message: "model overloaded"}
			})).To(BeTrue())

			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(f.doc.Text()).To(Equal(base))
			Expect(f.ui.lastStatus()).To(Equal("error: model overloaded"))
			Expect(f.ctrl.HasEdits()).To(BeFalse())
			finish()
		})

		It("keeps earlier requests when a later one fails", func() {
			Expect(f.agent.send(pushEdits(testURI, insertLines(1, 1)))).To(BeTrue())
			Expect(f.agent.send(nil)).To(BeTrue())
			submit("and more")
			Expect(f.agent.send(pushEdits(testURI, insertLines(2, 1)))).To(BeTrue())
			Eventually(f.doc.Text, time.Second).Should(Equal("N1\nN2\n" + base))
			Expect(f.agent.send(func(agent.Sink) error {
				return &agent.Error{Message: "nope"}
			})).To(BeTrue())

			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(f.doc.Text()).To(Equal("N1\n" + base))
			finish()
		})
	})

	Describe("Scenario E: runs started back to back", func() {
		BeforeEach(func() {
			f = newFixture(base)
		})

		It("sets up the second session only after the first is accepted", func() {
			first := f.start(context.Background(), RunOptions{})
			Eventually(state, time.Second).ShouldNot(Equal(StateIdle))
			second := f.start(context.Background(), RunOptions{})

			Eventually(first, 2*time.Second).Should(Receive(BeTrue()))
			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(f.sessions.entries()).To(Equal([]string{
				"create:" + testURI,
				"release:accepted",
				"create:" + testURI,
			}))

			f.ctrl.CancelSession()
			Eventually(second, time.Second).Should(Receive(BeFalse()))
		})

		It("keeps a single active session", func() {
			first := f.start(context.Background(), RunOptions{})
			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			old := f.ctrl.Session()

			second := f.start(context.Background(), RunOptions{})
			Eventually(first, time.Second).Should(Receive(BeTrue()))
			Eventually(state, time.Second).Should(Equal(StateWaitForInput))
			Expect(f.ctrl.Session()).NotTo(BeIdenticalTo(old))
			Expect(f.sessions.GetSession(testURI)).To(BeIdenticalTo(f.ctrl.Session()))

			f.ctrl.AcceptSession()
			Eventually(second, time.Second).Should(Receive(BeTrue()))
			Expect(f.ctrl.IsActive()).To(BeFalse())
		})
	})
})
