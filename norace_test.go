//go:build !race

package memhook

const raceEnabled = false
