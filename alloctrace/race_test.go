//go:build race

package alloctrace

const raceEnabled = true
