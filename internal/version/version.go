package version

// Set at build time with -ldflags "-X github.com/semmidev/phylax-runner/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

func UserAgent() string {
	return "phylax-runner/" + Version
}
