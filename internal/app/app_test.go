package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/semmidev/phylax-runner/internal/adapter/callback"
	"github.com/semmidev/phylax-runner/internal/adapter/storage/s3test"
	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
	"github.com/semmidev/phylax-runner/internal/infrastructure/logger"
)

const dumpContent = "PGDMP-fake"

var basePath = os.Getenv("PATH")

type delivery struct {
	path    string
	payload callback.Payload
	valid   bool
}

type controlPlane struct {
	*httptest.Server
	mu         sync.Mutex
	deliveries []delivery
}

func newControlPlane(secret string) *controlPlane {
	cp := &controlPlane{}
	cp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p callback.Payload
		_ = json.Unmarshal(body, &p)
		cp.mu.Lock()
		cp.deliveries = append(cp.deliveries, delivery{
			path:    r.URL.Path,
			payload: p,
			valid:   callback.Verify(body, secret, r.Header.Get(callback.SignatureHeader)),
		})
		cp.mu.Unlock()
	}))
	return cp
}

// statuses lists job status callbacks, skipping metadata deliveries.
func (cp *controlPlane) statuses() []domain.Status {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var out []domain.Status
	for _, d := range cp.deliveries {
		if !strings.HasSuffix(d.path, "/metadata") {
			out = append(out, d.payload.Status)
		}
	}
	return out
}

func (cp *controlPlane) all() []delivery {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]delivery(nil), cp.deliveries...)
}

// installTools puts fake binaries first on PATH.
func installTools(t *testing.T, scripts map[string]string) string {
	bin := t.TempDir()
	for name, body := range scripts {
		script := "#!/bin/sh\necho \"" + name + " $*\" >> \"" + filepath.Join(bin, "calls.log") + "\"\n" + body + "\n"
		So(os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755), ShouldBeNil)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+basePath)
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(bin, "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(bin, "none"))
	return bin
}

func listing(key string, size int) string {
	return `echo '{"Contents": [{"Key": "` + key + `", "Size": ` + strconv.Itoa(size) + `}]}'`
}

type harness struct {
	v       *viper.Viper
	s3      *s3test.Server
	cp      *controlPlane
	workDir string
	bin     string
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, tools map[string]string) *harness {
	h := &harness{
		s3:      s3test.New(s3test.WithCredentials("AKIAJOB", "s3-secret")),
		cp:      newControlPlane("cb-secret"),
		workDir: t.TempDir(),
	}
	h.bin = installTools(t, tools)

	h.v = viper.New()
	for k, val := range map[string]string{
		config.KeyJobID:            "job-7",
		config.KeyDBEngine:         "postgres",
		config.KeyDBHost:           "db.internal",
		config.KeyDBName:           "orders",
		config.KeyDBUsername:       "backup",
		config.KeyDBPassword:       "pg-secret",
		config.KeyStorageType:      "minio",
		config.KeyStorageEndpoint:  h.s3.URL,
		config.KeyStorageBucket:    "backups",
		config.KeyStorageAccessKey: "AKIAJOB",
		config.KeyStorageSecretKey: "s3-secret",
		config.KeyStorageVerifyCLI: filepath.Join(h.bin, "aws"),
		config.KeyBackupPath:       "orders/2026-10-14.dump",
		config.KeyCallbackURL:      h.cp.URL + "/jobs/job-7",
		config.KeyCallbackSecret:   "cb-secret",
		config.KeyWorkDir:          h.workDir,
	} {
		h.v.Set(k, val)
	}
	return h
}

func (h *harness) close() {
	h.s3.Close()
	h.cp.Close()
}

func (h *harness) run(op config.Operation) int {
	core, logs := observer.New(zap.DebugLevel)
	h.logs = logs
	a, err := New(
		WithViper(h.v),
		WithLogger(&logger.Logger{SugaredLogger: zap.New(core).Sugar()}),
		WithCallbackOptions(callback.WithBackoff(time.Millisecond)),
	)
	So(err, ShouldBeNil)
	return a.Run(context.Background(), op)
}

func emptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

func TestRunBackup(t *testing.T) {
	Convey("Given a backup job against a cooperative storage endpoint", t, func() {
		h := newHarness(t, map[string]string{
			"pg_dump": `for a in "$@"; do case "$a" in --file=*) printf '%s' '` + dumpContent + `' > "${a#--file=}";; esac; done`,
			"aws":     listing("orders/2026-10-14.dump", len(dumpContent)),
		})
		defer h.close()

		code := h.run("")

		Convey("It should exit successfully and store the dump under the exact key", func() {
			So(code, ShouldEqual, ExitSuccess)
			obj, ok := h.s3.Object("backups", "orders/2026-10-14.dump")
			So(ok, ShouldBeTrue)
			So(string(obj.Data), ShouldEqual, dumpContent)
			So(obj.Metadata["retention-days"], ShouldEqual, "30")
		})

		Convey("It should send one running and one success callback, all signed", func() {
			So(h.cp.statuses(), ShouldResemble, []domain.Status{domain.StatusRunning, domain.StatusSuccess})
			for _, d := range h.cp.all() {
				So(d.valid, ShouldBeTrue)
				So(d.payload.JobID, ShouldEqual, "job-7")
			}
			So(h.cp.all(), ShouldHaveLength, 3)
		})

		Convey("It should leave the workspace empty", func() {
			So(emptyDir(h.workDir), ShouldBeTrue)
		})

		Convey("Every log line should carry the job id and no secret", func() {
			So(h.logs.Len(), ShouldBeGreaterThan, 0)
			So(h.logs.FilterField(zap.String("job_id", "job-7")).Len(), ShouldEqual, h.logs.Len())
			for _, entry := range h.logs.All() {
				for _, f := range entry.Context {
					So(f.String, ShouldNotContainSubstring, "secret")
				}
			}
		})
	})

	Convey("Given a dump tool that fails", t, func() {
		h := newHarness(t, map[string]string{
			"pg_dump": `echo 'pg_dump: error: connection to server failed: Connection refused' >&2; exit 1`,
			"aws":     `exit 0`,
		})
		defer h.close()

		code := h.run(config.OperationBackup)

		Convey("It should fail with the tool error and upload nothing", func() {
			So(code, ShouldEqual, ExitFailed)
			So(h.cp.statuses(), ShouldResemble, []domain.Status{domain.StatusRunning, domain.StatusFailed})
			last := h.cp.all()[len(h.cp.all())-1]
			So(last.payload.Message, ShouldContainSubstring, "Connection refused")
			So(h.s3.HasBucket("backups"), ShouldBeFalse)
			So(emptyDir(h.workDir), ShouldBeTrue)
		})
	})
}

func TestRunRestore(t *testing.T) {
	Convey("Given a restore job for an existing backup", t, func() {
		h := newHarness(t, map[string]string{
			"createdb":   `echo 'createdb: error: database "orders" already exists' >&2; exit 1`,
			"pg_restore": `exit 0`,
		})
		defer h.close()
		h.s3.CreateBucket("backups")
		h.s3.PutObject("backups", "orders/2026-10-14.dump", []byte(dumpContent))

		code := h.run(config.OperationRestore)

		Convey("It should restore from the downloaded file and report success", func() {
			So(code, ShouldEqual, ExitSuccess)
			calls, err := os.ReadFile(filepath.Join(h.bin, "calls.log"))
			So(err, ShouldBeNil)
			So(string(calls), ShouldContainSubstring, "pg_restore --host=db.internal")
			So(string(calls), ShouldContainSubstring, "--dbname=orders")
			So(h.cp.statuses(), ShouldResemble, []domain.Status{domain.StatusRunning, domain.StatusSuccess})
			So(emptyDir(h.workDir), ShouldBeTrue)
		})
	})
}

func TestRunInvalidConfiguration(t *testing.T) {
	Convey("Given a descriptor missing required keys", t, func() {
		h := newHarness(t, nil)
		defer h.close()
		h.v.Set(config.KeyDBHost, "")
		h.v.Set(config.KeyStorageBucket, "")

		Convey("When the callback target is usable", func() {
			code := h.run("")

			Convey("It should exit with the configuration code and report every missing key", func() {
				So(code, ShouldEqual, ExitConfig)
				So(h.cp.statuses(), ShouldResemble, []domain.Status{domain.StatusFailed})
				msg := h.cp.all()[0].payload.Message
				So(msg, ShouldContainSubstring, config.KeyDBHost)
				So(msg, ShouldContainSubstring, config.KeyStorageBucket)
			})
		})

		Convey("When the callback secret is missing too", func() {
			h.v.Set(config.KeyCallbackSecret, "")
			code := h.run("")

			Convey("It should only log the failure locally", func() {
				So(code, ShouldEqual, ExitConfig)
				So(h.cp.all(), ShouldBeEmpty)
				So(h.logs.FilterMessage("configuration invalid, no usable callback target").Len(), ShouldEqual, 1)
			})
		})
	})
}
