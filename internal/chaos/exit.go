package chaos

import "os"

// osExit is a package-level indirection over os.Exit so tests can swap it
// out for something that doesn't terminate the test binary.
var osExit = os.Exit
