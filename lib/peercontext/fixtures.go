package peercontext

import (
	"github.com/coredal/torrentd/torlib"
	"github.com/coredal/torrentd/utils/randutil"
)

// Fixture returns a randomly generated PeerContext.
func Fixture() PeerContext {
	return PeerContext{
		IP:     randutil.IP(),
		Port:   randutil.Port(),
		PeerID: torlib.PeerIDFixture(),
		Zone:   "sjc1",
	}
}
