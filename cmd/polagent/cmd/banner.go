package cmd

import (
	"fmt"
)

const banner = `
  _____      _                      _
 |  __ \    | |   /\               | |
 | |__) |__ | |  /  \   __ _  ___ _ __ | |_
 |  ___/ _ \| | / /\ \ / _` + "`" + ` |/ _ \ '_ \| __|
 | |  | (_) | |/ ____ \ (_| |  __/ | | | |_
 |_|   \___/|_/_/    \_\__, |\___|_| |_|\__|
                        __/ |
                       |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Privilege Authentication Agent - Version %s\x1b[0m\n\n", Version)
}
