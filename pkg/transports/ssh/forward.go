package ssh

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

// directTCPIP is the RFC 4254 section 7.2 channel payload.
type directTCPIP struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

// ForwardOut opens a direct-tcpip channel to dstHost:dstPort as seen from
// the device, announcing srcHost:srcPort as the originator. The returned
// stream belongs to the caller.
func (c *SSHClient) ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error) {
	client, _, err := c.getClient("forward")
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s:%d", dstHost, dstPort)
	payload := ssh.Marshal(&directTCPIP{
		DestAddr: dstHost,
		DestPort: uint32(dstPort),
		OrigAddr: srcHost,
		OrigPort: uint32(srcPort),
	})

	channel, reqs, err := client.OpenChannel("direct-tcpip", payload)
	if err != nil {
		return nil, remoteerr.New(remoteerr.KindForward, "forward", target, err)
	}
	go ssh.DiscardRequests(reqs)

	c.logger.Debug().Str("target", target).Msg("forwarded channel opened")
	return channel, nil
}
