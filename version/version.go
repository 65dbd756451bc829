package version

var (
	ProductName = "burrow"
	Version     = "0.1.0"
)
