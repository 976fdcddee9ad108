package main

const (
	backendMCP2515     = "mcp2515"
	backendGridConnect = "gridconnect"
	backendSocketCAN   = "socketcan"

	txQueueSize = 1024 // capacity of the async TX queue of the serial and SocketCAN links
	rxCapacity  = 64   // received frames held for the engine
)
