//go:build race

package kalman

const raceEnabled = true
