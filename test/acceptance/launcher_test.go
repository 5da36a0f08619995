package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// launcherJSON is the subset of launcher.Result acceptance tests care
// about; unmarshaling into it directly rather than importing the
// launcher package keeps these tests black-box against the built
// binary, same as the teacher's own acceptance tests against its CLI.
type launcherJSON struct {
	Port            int    `json:"port"`
	Token           string `json:"token"`
	PID             int    `json:"pid"`
	WasServerReused bool   `json:"wasServerReused"`
	URL             string `json:"url"`
	Error           string `json:"error"`
}

var hexToken = regexp.MustCompile(`^[0-9a-f]{32}$`)

// runLauncher runs the built binary against an isolated cache dir so
// concurrent specs never collide on the same on-disk state record.
func runLauncher(cacheDir string, args ...string) (launcherJSON, []byte, error) {
	cmd := exec.Command(binaryPath, append([]string{"--json"}, args...)...)
	cmd.Env = append(cmd.Environ(), "XDG_CACHE_HOME="+cacheDir)
	out, err := cmd.CombinedOutput()

	var r launcherJSON
	_ = json.Unmarshal(out, &r)
	return r, out, err
}

var _ = Describe("run-proxy launcher lifecycle", func() {
	var cacheDir string
	var port int

	BeforeEach(func() {
		cacheDir = GinkgoT().TempDir()
		port = freePort()
	})

	// S1 fresh spawn
	It("spawns a fresh server on first launch", func() {
		result, out, err := runLauncher(cacheDir, "-p", itoa(port))
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		Expect(result.WasServerReused).To(BeFalse())
		Expect(result.Port).To(Equal(port))
		Expect(hexToken.MatchString(result.Token)).To(BeTrue(), "token %q is not 32 lowercase hex chars", result.Token)
		Expect(result.URL).To(HavePrefix("http://localhost:" + itoa(port) + "/"))
		Expect(result.PID).NotTo(BeZero())

		killServer(cacheDir, port)
	})

	// S2 reuse
	It("reuses an already-running server on the same port", func() {
		first, out, err := runLauncher(cacheDir, "-p", itoa(port))
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		second, out, err := runLauncher(cacheDir, "-p", itoa(port))
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		Expect(second.WasServerReused).To(BeTrue())
		Expect(second.Port).To(Equal(first.Port))
		Expect(second.PID).To(Equal(first.PID))
		Expect(second.Token).To(Equal(first.Token))

		killServer(cacheDir, port)
	})

	// S3 kill
	It("terminates the running server with --kill", func() {
		spawned, out, err := runLauncher(cacheDir, "-p", itoa(port))
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		cmd := exec.Command(binaryPath, "--json", "-p", itoa(port), "--kill")
		cmd.Env = append(cmd.Environ(), "XDG_CACHE_HOME="+cacheDir)
		out, err = cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "kill output: %s", out)

		Eventually(func() error {
			return processAlive(spawned.PID)
		}, 5*time.Second, 100*time.Millisecond).Should(HaveOccurred())
	})

	// S4 force fresh
	It("kills and respawns with --force", func() {
		first, out, err := runLauncher(cacheDir, "-p", itoa(port))
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		second, out, err := runLauncher(cacheDir, "-p", itoa(port), "--force")
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		Expect(second.WasServerReused).To(BeFalse())
		Expect(second.PID).NotTo(Equal(first.PID))

		killServer(cacheDir, port)
	})

	// S5 version drift
	It("respawns when --sl-version differs from the running server's", func() {
		first, out, err := runLauncher(cacheDir, "-p", itoa(port), "--sl-version", "0.1")
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		second, out, err := runLauncher(cacheDir, "-p", itoa(port), "--sl-version", "0.2")
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)

		Expect(second.WasServerReused).To(BeFalse())
		Expect(second.PID).NotTo(Equal(first.PID))

		killServer(cacheDir, port)
	})
})

func killServer(cacheDir string, port int) {
	cmd := exec.Command(binaryPath, "--json", "-p", itoa(port), "--kill")
	cmd.Env = append(cmd.Environ(), "XDG_CACHE_HOME="+cacheDir)
	_ = cmd.Run()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// processAlive returns nil if pid is still running (signal 0 delivered
// successfully), an error otherwise.
func processAlive(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.Signal(0))
}
