package comm_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/asynccomm/pkg/comm"
)

func TestComm_ProxyFrame(t *testing.T) {
	t.Parallel()

	sender := netip.MustParseAddrPort("10.0.0.1:38050")
	mappings := []comm.ProxyMapping{
		{Name: "rs-1", Addr: netip.MustParseAddrPort("10.0.0.5:38060")},
		{Name: "rs-7", Addr: netip.MustParseAddrPort("10.0.0.6:38060")},
	}

	t.Run("marshal then unmarshal is the identity", func(t *testing.T) {
		buf, err := comm.MarshalProxyFrame(mappings, sender)
		require.NoError(t, err)

		got, gotSender, err := comm.UnmarshalProxyFrame(buf)
		require.NoError(t, err)
		require.Equal(t, mappings, got)
		require.Equal(t, sender, gotSender)
	})

	t.Run("empty mapping list carries only the sender marker", func(t *testing.T) {
		buf, err := comm.MarshalProxyFrame(nil, sender)
		require.NoError(t, err)

		got, gotSender, err := comm.UnmarshalProxyFrame(buf)
		require.NoError(t, err)
		require.Empty(t, got)
		require.Equal(t, sender, gotSender)
	})

	t.Run("truncated frame is rejected", func(t *testing.T) {
		buf, err := comm.MarshalProxyFrame(mappings, sender)
		require.NoError(t, err)

		for _, cut := range []int{1, len(buf) / 2, len(buf) - 1} {
			_, _, err := comm.UnmarshalProxyFrame(buf[:cut])
			require.ErrorIs(t, err, comm.ErrInvalidFrame, "cut at %d", cut)
		}
	})

	t.Run("trailing garbage is rejected", func(t *testing.T) {
		buf, err := comm.MarshalProxyFrame(mappings, sender)
		require.NoError(t, err)

		_, _, err = comm.UnmarshalProxyFrame(append(buf, 0x00))
		require.ErrorIs(t, err, comm.ErrInvalidFrame)
	})

	t.Run("overlong proxy name is rejected", func(t *testing.T) {
		long := make([]byte, 256)
		for i := range long {
			long[i] = 'a'
		}
		_, err := comm.MarshalProxyFrame([]comm.ProxyMapping{{Name: string(long), Addr: sender}}, sender)
		require.Error(t, err)
	})
}
