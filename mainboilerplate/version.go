package mainboilerplate

// Version and BuildDate are populated at build time, via:
//
//	go build -ldflags "-X go.perfstore.dev/core/mainboilerplate.Version=v1.2.3 \
//	  -X go.perfstore.dev/core/mainboilerplate.BuildDate=2024-03-05"
var (
	Version   = "development"
	BuildDate = "unknown"
)
