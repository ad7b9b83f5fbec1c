package cmd

import (
	"fmt"
)

const banner = `
   _____       _       _
  / ____|     | |     | |
 | |  __  __ _| |_ ___| | _____ _   _
 | | |_ |/ _` + "`" + ` | __/ _ \ |/ / _ \ | | |
 | |__| | (_| | ||  __/   <  __/ |_| |
  \_____|\__,_|\__\___|_|\_\___|\__, |
                                 __/ |
                                |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Passkey Device Registration - Version %s\x1b[0m\n\n", Version)
}
