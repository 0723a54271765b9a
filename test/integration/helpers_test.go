//go:build integration

package integration

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/snapguard/internal/config"
	"github.com/eliteGoblin/focusd/snapguard/internal/daemon"
	"github.com/eliteGoblin/focusd/snapguard/test/fixtures"
)

// newWorkspace creates a sample project and returns it with a config that
// keeps all state inside tmpDir.
func newWorkspace(tmpDir string, set map[string]interface{}) (*fixtures.FakeWorkspace, config.Config) {
	ws := fixtures.NewFakeWorkspace(tmpDir + "/repo")
	Expect(ws.Create()).To(Succeed())

	DeferCleanup(os.Setenv, "HOME", os.Getenv("HOME"))
	Expect(os.Setenv("HOME", tmpDir)).To(Succeed())
	v := config.New()
	v.Set("workspace.root", ws.Root)
	v.Set("audit.key_dir", tmpDir+"/keys")
	v.Set("store.min_free_mb", 0)
	for k, val := range set {
		v.Set(k, val)
	}
	cfg, err := config.Load(v, "")
	Expect(err).NotTo(HaveOccurred())
	return ws, cfg
}

func openRuntime(cfg config.Config) *daemon.Runtime {
	rt, err := daemon.NewRuntime(context.Background(), cfg, nil, daemon.RuntimeOptions{Version: "integration"})
	Expect(err).NotTo(HaveOccurred())
	return rt
}
