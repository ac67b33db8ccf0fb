package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

// requireNonPublicNetwork rejects peers outside loopback, private and link-local ranges.
// The admin port exposes the blacklist and pprof, it is never meant to face the internet.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !nonPublicPeer(r.RemoteAddr) {
			L.Warn(r.Context(), "ops request from public address rejected", "network.peer.address", r.RemoteAddr, "url.path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublicPeer(remoteAddr string) bool {
	addr, err := peerAddr(remoteAddr)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

func peerAddr(remoteAddr string) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return netip.Addr{}, xerrors.Wrapf(err, "split remote addr %q", remoteAddr)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, xerrors.Wrapf(err, "parse peer %q", host)
	}
	return addr.Unmap(), nil
}
