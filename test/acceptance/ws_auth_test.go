package acceptance_test

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S6 WS auth failure
var _ = Describe("WebSocket authentication", func() {
	It("closes with code 4100 and reason \"Invalid token\" on a bad token", func() {
		cacheDir := GinkgoT().TempDir()
		port := freePort()

		spawned, out, err := runLauncher(cacheDir, "-p", itoa(port))
		Expect(err).NotTo(HaveOccurred(), "output: %s", out)
		defer killServer(cacheDir, port)

		url := fmt.Sprintf("ws://127.0.0.1:%d/ws?token=WRONG&cwd=/tmp", spawned.Port)

		var conn *websocket.Conn
		Eventually(func() error {
			c, _, dialErr := websocket.DefaultDialer.Dial(url, nil)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		}, 5*time.Second, 100*time.Millisecond).Should(Succeed())
		defer conn.Close()

		_, _, err = conn.ReadMessage()
		Expect(err).To(HaveOccurred())

		closeErr, ok := err.(*websocket.CloseError)
		Expect(ok).To(BeTrue(), "expected a close error, got %T: %v", err, err)
		Expect(closeErr.Code).To(Equal(4100))
		Expect(closeErr.Text).To(Equal("Invalid token"))
	})
})
