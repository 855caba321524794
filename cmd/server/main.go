// Command server runs the Plontis Central ingestion and aggregation API.
package main

func main() {
	Execute()
}
