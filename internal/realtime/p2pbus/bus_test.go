package p2pbus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	k1, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.True(t, created)

	k2, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, k1.Equals(k2))
}

func TestLoadOrCreateKeyReplacesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	_, created, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.True(t, created)
}

func TestParseBootstrap(t *testing.T) {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	ai, err := parseBootstrap("/ip4/127.0.0.1/tcp/4001/p2p/" + id.String())
	require.NoError(t, err)
	require.Equal(t, id, ai.ID)
	require.Len(t, ai.Addrs, 1)

	_, err = parseBootstrap("/ip4/127.0.0.1/tcp/4001")
	require.Error(t, err, "peer id is required")

	_, err = parseBootstrap("not-a-multiaddr")
	require.Error(t, err)
}
