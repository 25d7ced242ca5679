// Command memsim boots the memory manager on a simulated physical memory
// arena and drives it from the command line.
package main

func main() {
	execute()
}
