//go:build !race

package alloctrace

const raceEnabled = false
