//go:build integration

package integration

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/snapguard/internal/config"
	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
	"github.com/eliteGoblin/focusd/snapguard/internal/session"
	"github.com/eliteGoblin/focusd/snapguard/test/fixtures"
)

var _ = Describe("Protection pipeline", func() {
	var (
		tmpDir string
		ws     *fixtures.FakeWorkspace
		cfg    config.Config
		rt     *daemon.Runtime
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "snapguard-integration-*")
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		if rt != nil {
			rt.Close()
			rt = nil
		}
		os.RemoveAll(tmpDir)
	})

	for _, backend := range []string{config.BackendFile, config.BackendBadger, config.BackendSQLite} {
		backend := backend

		Context("with the "+backend+" backend", func() {
			BeforeEach(func() {
				ws, cfg = newWorkspace(tmpDir, map[string]interface{}{"store.backend": backend})
				rt = openRuntime(cfg)
			})

			It("should block a secrets file until it is overridden", func() {
				path := ws.Path("config/secrets.json")

				dec, err := rt.Protector.HandleSave(ctx, path, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(dec.Level).To(Equal(domain.Block))
				Expect(dec.Verdict).To(Equal(domain.VerdictBlock))
				Expect(dec.SnapshotID).NotTo(BeEmpty())

				err = rt.Protector.AddPolicyOverride(domain.PolicyOverride{
					Pattern:    "config/secrets.json",
					Level:      domain.Watch,
					Rationale:  domain.RationaleTemporaryFix,
					Precedence: 1000,
				})
				Expect(err).NotTo(HaveOccurred())

				Expect(ws.Write("config/secrets.json", "{\"token\": \"rotated\"}\n")).To(Succeed())
				dec, err = rt.Protector.HandleSave(ctx, path, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(dec.Verdict).To(Equal(domain.VerdictAllow))

				blocked, err := rt.Audit.Query(ctx, domain.AuditFilter{Actions: []domain.ProtectionAction{domain.ActionSaveBlocked}})
				Expect(err).NotTo(HaveOccurred())
				Expect(blocked).To(HaveLen(1))

				n, err := rt.Audit.Verify(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(BeNumerically(">=", 3))
			})

			It("should restore a deleted file byte for byte", func() {
				original, err := ws.Read("go.mod")
				Expect(err).NotTo(HaveOccurred())

				dec, err := rt.Protector.HandleSave(ctx, ws.Path("go.mod"), nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(dec.SnapshotID).NotTo(BeEmpty())

				Expect(os.RemoveAll(ws.Path("go.mod"))).To(Succeed())
				Expect(rt.Snapshots.Restore(ctx, dec.SnapshotID)).To(Succeed())

				restored, err := ws.Read("go.mod")
				Expect(err).NotTo(HaveOccurred())
				Expect(restored).To(Equal(original))
			})

			It("should seal saves into a session that restores together", func() {
				for _, rel := range []string{"go.mod", "deploy/server.pem"} {
					_, err := rt.Protector.HandleSave(ctx, ws.Path(rel), nil)
					Expect(err).NotTo(HaveOccurred())
				}

				id, err := rt.Sessions.HandleGitCommit(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(id).NotTo(BeEmpty())

				m, err := rt.Manifests.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(m).NotTo(BeNil())
				Expect(m.Reason).To(Equal(domain.ReasonGitCommit))
				Expect(m.Files).To(HaveLen(2))

				Expect(ws.Write("go.mod", "module broken\n")).To(Succeed())
				Expect(os.RemoveAll(ws.Path("deploy"))).To(Succeed())

				Expect(session.Restore(ctx, rt.Snapshots, *m)).To(Succeed())
				Expect(ws.Read("go.mod")).To(Equal(fixtures.SampleFiles["go.mod"]))
				Expect(ws.Exists("deploy/server.pem")).To(BeTrue())
			})
		})
	}

	Context("after a restart", func() {
		It("should keep snapshots, sessions and the audit chain", func() {
			ws, cfg = newWorkspace(tmpDir, map[string]interface{}{
				"store.backend":     config.BackendSQLite,
				"cooldown.debounce": "1h",
			})
			rt = openRuntime(cfg)

			_, err := rt.Protector.HandleSave(ctx, ws.Path("go.mod"), nil)
			Expect(err).NotTo(HaveOccurred())
			id, err := rt.Sessions.HandleManualFinalization(ctx, "first", []string{"restart"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rt.Close()).To(Succeed())

			rt = openRuntime(cfg)
			list, err := rt.Manifests.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(id))
			Expect(list[0].Summary).To(Equal("first"))

			_, err = rt.Audit.Verify(ctx)
			Expect(err).NotTo(HaveOccurred())

			dec, err := rt.Protector.HandleSave(ctx, ws.Path("go.mod"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(dec.Debounced).To(BeTrue(), "debounce state is rebuilt from the audit log")
		})
	})
})
