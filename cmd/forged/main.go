// Command forged is the build engine daemon: it opens the persistent
// store and rule set for a repository, wires them to a backend, cache and
// analysis engine, and serves operational metrics until interrupted.
//
// It doubles as the re-exec target for a job's namespaced child process:
// when FORGE_JOBSPACE_CHILD=1 is set in its environment, it skips straight
// to entering the job's JobSpace and exec'ing the real command instead of
// running as the daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	flag "github.com/spf13/pflag"

	forge "github.com/forgebuild/forge"
	"github.com/forgebuild/forge/internal/addrfd"
	"github.com/forgebuild/forge/internal/backend"
	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/env"
	"github.com/forgebuild/forge/internal/jobmake"
	"github.com/forgebuild/forge/internal/jobspace"
	"github.com/forgebuild/forge/internal/metrics"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/oninterrupt"
	"github.com/forgebuild/forge/internal/reqtracker"
	"github.com/forgebuild/forge/internal/ruleset"
	"github.com/forgebuild/forge/internal/store"
	"github.com/forgebuild/forge/internal/trace"
)

func main() {
	if jobspace.InChild() {
		if err := runJobspaceChild(); err != nil {
			log.Fatalf("forged: jobspace child: %v", err)
		}
		return // unreached: ExecChild replaces the process image on success
	}

	var (
		repoPath    = flag.String("repo", env.RepoRoot, "path to the repository being built")
		adminDir    = flag.String("admin_dir", "", "path to the engine's admin directory (default: <repo>/"+env.AdminDirName+")")
		cacheDir    = flag.String("cache_dir", "", "path to the artifact cache directory (default: <admin_dir>/cache)")
		cacheZlvl   = flag.Int("cache_zlvl", 6, "flate compression level for cached artifacts")
		localTokens = flag.Int64("local_tokens", int64(runtime.NumCPU()), "concurrent job capacity for the local backend tag")
		heartbeat   = flag.Duration("heartbeat", 30*time.Second, "stall-detection heartbeat period (0 disables)")
		metricsAddr = flag.String("metrics_addr", "127.0.0.1:9142", "listen address for the /metrics and /healthz endpoints (empty disables)")
		tracePrefix = flag.String("trace", "", "if set, write a chrome-trace event file under $TMPDIR/forge.traces/<prefix>.<pid>")
	)
	flag.Parse()

	if *tracePrefix != "" {
		if err := trace.Enable(*tracePrefix); err != nil {
			log.Fatalf("forged: enabling trace: %v", err)
		}
	}

	root := forge.Root{RepoPath: *repoPath, AdminDir: *adminDir}
	if root.AdminDir == "" {
		root.AdminDir = *repoPath + "/" + env.AdminDirName
	}
	if *cacheDir == "" {
		*cacheDir = root.AdminDir + "/cache"
	}
	if err := os.MkdirAll(root.StoreDir(), 0o755); err != nil {
		log.Fatalf("forged: creating admin dir: %v", err)
	}

	ctx, cancel := forge.InterruptibleContext()
	defer cancel()

	self, err := os.Executable()
	if err != nil {
		log.Fatalf("forged: resolving own executable path: %v", err)
	}

	s, err := store.Open(ctx, root.StoreDir()+"/db.sqlite")
	if err != nil {
		log.Fatalf("forged: opening store: %v", err)
	}
	forge.RegisterAtExit(s.Close)

	rulesYAML, err := os.ReadFile(root.AdminDir + "/rules.yaml")
	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("forged: reading rules.yaml: %v", err)
	}
	rules, err := ruleset.Load(rulesYAML)
	if err != nil {
		log.Fatalf("forged: parsing rules.yaml: %v", err)
	}
	rs, err := ruleset.New(rules)
	if err != nil {
		log.Fatalf("forged: compiling rules: %v", err)
	}

	c, err := cache.New(*cacheDir, *cacheZlvl)
	if err != nil {
		log.Fatalf("forged: opening cache: %v", err)
	}

	be := backend.New(ctx, map[string]int64{"local": *localTokens}, *heartbeat, func(job model.JobIdx, since time.Duration) {
		log.Printf("forged: job %d has not reported in %s", job, since)
	})
	oninterrupt.Register(func() { _ = be.Wait() })

	runner := backend.LocalRunner{Self: self}
	engine := jobmake.New(s, rs, be, c, runner)
	engine.RepoRoot = root.RepoPath
	reqs := reqtracker.New()

	var mtr *metrics.Metrics
	if *metricsAddr != "" {
		ln, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			log.Fatalf("forged: listening on %s: %v", *metricsAddr, err)
		}
		mtr = metrics.New()
		srv := &http.Server{Handler: metrics.Router(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("forged: metrics server: %v", err)
			}
		}()
		forge.RegisterAtExit(func() error {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
		addrfd.MustWrite(ln.Addr().String())
		log.Printf("forged: metrics listening on %s", ln.Addr())
	}

	go statusLoop(ctx, engine, be, reqs, mtr)

	log.Printf("forged: serving repo %s (admin dir %s)", root.RepoPath, root.AdminDir)
	<-ctx.Done()
	log.Printf("forged: shutting down")
	if err := forge.RunAtExit(); err != nil {
		log.Fatalf("forged: shutdown: %v", err)
	}
}

// statusLoop periodically logs and publishes a snapshot of the engine's
// live state: backend occupancy per tag, the rule set's match generation,
// and how many Reqs are currently open. mtr may be nil when metrics are
// disabled.
func statusLoop(ctx context.Context, engine *jobmake.Engine, be *backend.Backend, reqs *reqtracker.Tracker, mtr *metrics.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		occ := be.Occupancy()
		open := reqs.OpenReqs()
		log.Printf("forged: status: %d open req(s), rule generation %d, occupancy %v",
			len(open), engine.Rules.Generation(), occ)
		if mtr != nil {
			for tag, inUse := range occ {
				mtr.BackendOccupancy.WithLabelValues(tag).Set(float64(inUse))
			}
		}
	}
}

// runJobspaceChild decodes the JobStartRpcReply the parent process passed
// via backend.ReplyEnvVar, enters that reply's JobSpace, and execs the
// job's real command in place of this process.
func runJobspaceChild() error {
	encoded := os.Getenv(backend.ReplyEnvVar)
	if encoded == "" {
		return fmt.Errorf("missing %s in jobspace child environment", backend.ReplyEnvVar)
	}
	reply, err := backend.DecodeReply(encoded)
	if err != nil {
		return err
	}
	argv := append(append([]string{}, reply.Interpreter...), reply.Cmd)
	return backend.ExecChild(reply.JobSpace, argv, reply.Env)
}
