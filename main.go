package main

import "github.com/diycloud/usermgmt/cmd"

func main() {
	cmd.Execute()
}
