package dht

import "time"

// nowFunc is the time source used throughout the package. It is a package
// variable (rather than always calling time.Now directly) so tests can
// substitute a fixed or advancing clock without sleeping in real time.
var nowFunc = time.Now
