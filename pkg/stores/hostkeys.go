package stores

import (
	"context"
	"encoding/base64"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback returns an ssh.HostKeyCallback that trusts a host's key
// on first use and rejects any later key that differs from it. A host with
// trusted keys of other types only is rejected as well.
func (s *SQLiteStore) HostKeyCallback(ctx context.Context) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := knownhosts.Normalize(hostname)
		now := time.Now()
		presented := &HostKey{
			Host:        host,
			KeyType:     key.Type(),
			Fingerprint: ssh.FingerprintSHA256(key),
			Key:         base64.StdEncoding.EncodeToString(key.Marshal()),
			FirstSeen:   now,
			LastSeen:    now,
		}

		trusted, err := s.GetHostKeys(ctx, host)
		if err != nil {
			return err
		}

		if len(trusted) == 0 {
			if err := s.TrustHostKey(ctx, presented); err != nil {
				return err
			}
			s.logger.Info().
				Str("host", host).
				Str("key_type", presented.KeyType).
				Str("fingerprint", presented.Fingerprint).
				Msg("trusting new host key")
			return nil
		}

		for _, k := range trusted {
			if k.KeyType != presented.KeyType {
				continue
			}
			if k.Key != presented.Key {
				break
			}
			if err := s.TouchHostKey(ctx, host, k.KeyType, now); err != nil {
				s.logger.Warn().Err(err).Str("host", host).Msg("failed to update host key last seen")
			}
			return nil
		}

		mismatch := &HostKeyMismatchError{
			Host:     host,
			KeyType:  presented.KeyType,
			Trusted:  trusted[0].Fingerprint,
			Presents: presented.Fingerprint,
		}
		for _, k := range trusted {
			if k.KeyType == presented.KeyType {
				mismatch.Trusted = k.Fingerprint
			}
		}
		s.logger.Error().
			Str("host", host).
			Str("remote", remote.String()).
			Str("fingerprint", presented.Fingerprint).
			Msg("host key mismatch")
		return mismatch
	}
}
