//go:build integration

package integration

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/test/fixtures"
)

var _ = Describe("Watcher daemon", func() {
	var (
		tmpDir string
		ws     *fixtures.FakeWorkspace
		rt     *daemon.Runtime
		cancel context.CancelFunc
		done   chan error
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "snapguard-watch-*")
		Expect(err).NotTo(HaveOccurred())

		w, c := newWorkspace(tmpDir, map[string]interface{}{
			"audit.enabled":     false,
			"cooldown.debounce": "50ms",
			"cooldown.default":  "1ms",
		})
		ws = w
		rt = openRuntime(c)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		watcher := rt.Watcher()
		go func() { done <- watcher.Run(ctx) }()

		// Give fsnotify time to register the tree.
		time.Sleep(200 * time.Millisecond)
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 5*time.Second).Should(Receive())
		rt.Close()
		os.RemoveAll(tmpDir)
	})

	snapshotsOf := func(rel string) func() int {
		return func() int {
			snaps, err := rt.Snapshots.List(context.Background(), rel)
			Expect(err).NotTo(HaveOccurred())
			return len(snaps)
		}
	}

	It("should snapshot a burst of writes once", func() {
		for i := 0; i < 3; i++ {
			Expect(ws.Write("go.mod", "module example.com/app\n// edit "+string(rune('a'+i))+"\n")).To(Succeed())
			time.Sleep(10 * time.Millisecond)
		}

		Eventually(snapshotsOf("go.mod"), 3*time.Second, 50*time.Millisecond).Should(Equal(1))
		Consistently(snapshotsOf("go.mod"), 300*time.Millisecond, 50*time.Millisecond).Should(Equal(1))
	})

	It("should ignore unprotected and vendored files", func() {
		Expect(ws.Write("main.go", "package main\n// changed\n")).To(Succeed())
		Expect(ws.Write("node_modules/dep/.env", "X=1\n")).To(Succeed())

		Consistently(snapshotsOf(""), 500*time.Millisecond, 50*time.Millisecond).Should(Equal(0))
	})

	It("should finalize the session when the branch moves", func() {
		Expect(ws.Write("go.mod", "module example.com/app\n// commit me\n")).To(Succeed())
		Eventually(func() int { return len(rt.Sessions.Pending()) }, 3*time.Second, 50*time.Millisecond).Should(Equal(1))

		Expect(ws.Commit("1111111111111111111111111111111111111111")).To(Succeed())

		Eventually(func() []domain.SessionManifest {
			list, err := rt.Manifests.List(context.Background())
			Expect(err).NotTo(HaveOccurred())
			return list
		}, 3*time.Second, 50*time.Millisecond).Should(ContainElement(HaveField("Reason", domain.ReasonGitCommit)))
	})

	It("should finalize on shutdown", func() {
		Expect(ws.Write("go.sum", "example.com/dep v1.0.1 h1:def=\n")).To(Succeed())
		Eventually(func() int { return len(rt.Sessions.Pending()) }, 3*time.Second, 50*time.Millisecond).Should(Equal(1))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive())
		done <- nil

		list, err := rt.Manifests.List(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
		Expect(list[0].Tags).To(ContainElement("shutdown"))
	})
})
