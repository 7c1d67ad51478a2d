package main

import "github.com/dbsmedya/goscrape/cmd/goscrape/cmd"

func main() {
	cmd.Execute()
}
