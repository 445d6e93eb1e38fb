package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/phylax-runner/internal/domain"
)

// fakeCLI writes an executable standing in for the aws CLI.
func fakeCLI(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "aws")
	script := "#!/bin/sh\necho \"$*\" > \"$(dirname \"$0\")/args\"\n" + body + "\n"
	So(os.WriteFile(path, []byte(script), 0o755), ShouldBeNil)
	return path
}

func cliVerifier(bin string) *CLIVerifier {
	cfg := storageConfig("http://minio:9000")
	cfg.VerifyCLI = bin
	return NewCLIVerifier(cfg)
}

func TestCLIVerifier(t *testing.T) {
	Convey("Given the CLI listing verifier", t, func() {
		ctx := context.Background()

		Convey("When the listing contains the key", func() {
			bin := fakeCLI(t, `cat <<'JSON'
{"Contents": [
  {"Key": "orders/a.dump.old", "Size": 1},
  {"Key": "orders/a.dump", "Size": 2048, "LastModified": "2026-10-14T02:00:00+00:00"}
]}
JSON`)
			info, err := cliVerifier(bin).Lookup(ctx, "backups", "orders/a.dump")

			Convey("It should return the exact key's size", func() {
				So(err, ShouldBeNil)
				So(info.Key, ShouldEqual, "orders/a.dump")
				So(info.Size, ShouldEqual, 2048)
				So(info.LastModified.IsZero(), ShouldBeFalse)
			})

			Convey("It should query with the endpoint and prefix", func() {
				args, _ := os.ReadFile(filepath.Join(filepath.Dir(bin), "args"))
				So(string(args), ShouldContainSubstring, "s3api list-objects-v2 --bucket backups --prefix orders/a.dump")
				So(string(args), ShouldContainSubstring, "--endpoint-url http://minio:9000")
				So(string(args), ShouldNotContainSubstring, "secret")
			})
		})

		Convey("When only other keys share the prefix", func() {
			bin := fakeCLI(t, `echo '{"Contents": [{"Key": "orders/a.dump.old", "Size": 1}]}'`)
			_, err := cliVerifier(bin).Lookup(ctx, "backups", "orders/a.dump")

			Convey("It should report the object as not found", func() {
				So(errors.Is(err, domain.ErrObjectNotFound), ShouldBeTrue)
			})
		})

		Convey("When the bucket listing is empty", func() {
			bin := fakeCLI(t, `exit 0`)
			_, err := cliVerifier(bin).Lookup(ctx, "backups", "orders/a.dump")

			Convey("It should report the object as not found", func() {
				So(errors.Is(err, domain.ErrObjectNotFound), ShouldBeTrue)
			})
		})

		Convey("When the CLI fails", func() {
			bin := fakeCLI(t, `echo "Could not connect to the endpoint URL" >&2; exit 255`)
			_, err := cliVerifier(bin).Lookup(ctx, "backups", "orders/a.dump")

			Convey("It should return an environmental error", func() {
				So(err, ShouldNotBeNil)
				So(errors.Is(err, domain.ErrObjectNotFound), ShouldBeFalse)
				So(err.Error(), ShouldContainSubstring, "Could not connect")
			})
		})

		Convey("When the CLI is not installed", func() {
			_, err := cliVerifier(filepath.Join(t.TempDir(), "missing-aws")).Lookup(ctx, "backups", "k")

			Convey("It should return ErrToolNotFound", func() {
				So(errors.Is(err, domain.ErrToolNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestEscapePath(t *testing.T) {
	Convey("Given object keys with reserved characters", t, func() {
		So(escapePath("a/b c/d+e=f&g.dump"), ShouldEqual, "a/b%20c/d%2Be%3Df%26g.dump")
		So(escapePath("plain-key_1.~"), ShouldEqual, "plain-key_1.~")
		So(escapePath("ünï"), ShouldEqual, "%C3%BCn%C3%AF")
	})
}
