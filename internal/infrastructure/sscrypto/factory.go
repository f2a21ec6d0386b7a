// Package sscrypto implements the Shadowsocks stream and datagram encryption boundaries.
package sscrypto

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-ss-server/service"

	"ss-relay/internal/domain"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported cipher method")
	ErrReplay            = errors.New("replayed salt")
	ErrShortData         = errors.New("data shorter than cipher prefix")
)

var aeadMethods = map[string]string{
	"aes-128-gcm":            shadowsocks.AES128GCM,
	"aes-192-gcm":            shadowsocks.AES192GCM,
	"aes-256-gcm":            shadowsocks.AES256GCM,
	"chacha20-ietf-poly1305": shadowsocks.CHACHA20IETFPOLY1305,
}

// Methods lists every supported method name.
func Methods() []string {
	names := make([]string, 0, len(aeadMethods)+len(streamMethods))
	for name := range aeadMethods {
		names = append(names, name)
	}
	for name := range streamMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory derives the key once and hands out independent cipher instances.
type Factory struct {
	method string

	aeadKey *shadowsocks.EncryptionKey
	replay  *service.ReplayCache

	stream    *streamMethod
	streamKey []byte
}

// NewFactory fails for method names it does not know. replayCapacity of zero disables
// salt replay detection.
func NewFactory(method, password string, replayCapacity int) (*Factory, error) {
	name := strings.ToLower(method)
	f := &Factory{method: name}

	if ietf, ok := aeadMethods[name]; ok {
		key, err := shadowsocks.NewEncryptionKey(ietf, password)
		if err != nil {
			return nil, fmt.Errorf("derive %s key: %w", name, err)
		}
		if replayCapacity > service.MaxCapacity {
			replayCapacity = service.MaxCapacity
		}
		cache := service.NewReplayCache(replayCapacity)
		f.aeadKey = key
		f.replay = &cache
		return f, nil
	}

	if m, ok := streamMethods[name]; ok {
		f.stream = &m
		f.streamKey = evpBytesToKey(password, m.keySize)
		return f, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
}

func (f *Factory) Method() string {
	return f.method
}

func (f *Factory) New() (domain.Cipher, error) {
	if f.aeadKey != nil {
		return newAEADCipher(f.method, f.aeadKey, f.replay), nil
	}
	return newStreamCipher(f.method, f.stream, f.streamKey), nil
}
