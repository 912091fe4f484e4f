//go:build !pktsanity

package packet

const sanityChecks = false
