//go:build !claimwatch_debug

package invariant

const strict = false
