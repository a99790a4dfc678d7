package main

import (
	"github.com/ValentinKolb/dSTM/cmd"
)

func main() {
	cmd.Execute()
}
