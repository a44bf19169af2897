//go:build !real_waku

package waku

// The go-waku backend is linked only with -tags real_waku.
func newGoWakuBackend() goWakuBackend {
	return nil
}
