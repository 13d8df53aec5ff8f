package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _   _       _           _   
 | \ | | ___ | |__   __ _| |_ 
 |  \| |/ _ \| '_ \ / _` + "`" + ` | __|
 | |\  | (_) | |_) | (_| | |_ 
 |_| \_|\___/|_.__/ \__,_|\__|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Appointment login service - Version %s\x1b[0m\n\n", Version)
}
