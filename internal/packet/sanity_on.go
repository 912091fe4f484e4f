//go:build pktsanity

package packet

// sanityChecks enables List invariant checks after every mutation.
const sanityChecks = true
