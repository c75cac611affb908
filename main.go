package main

import "feishubridge/cmd"

func main() {
	cmd.Execute()
}
