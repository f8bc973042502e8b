package main

import (
	"fmt"
	"net/http"

	"github.com/knowshare/go-knowshare/env"
	"github.com/knowshare/go-knowshare/server"
	"github.com/knowshare/go-knowshare/service/logger"
)

func main() {
	server.Init()

	port := env.GetString("PORT")
	logger.For(nil).Infof("listening on :%s", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%s", port), nil); err != nil {
		logger.For(nil).Fatalf("server exited: %s", err)
	}
}
