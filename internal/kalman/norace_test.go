//go:build !race

package kalman

const raceEnabled = false
