package main

import "github.com/jesuscorral/beer-competition-saas-sub001/cmd"

func main() {
	cmd.Execute()
}
