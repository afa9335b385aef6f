// Command pinscraper collects pins for search queries and downloads their
// images.
package main

func main() {
	Execute()
}
