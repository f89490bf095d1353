package main

import (
	"context"
	"flag"
	"time"

	mesh "github.com/treeforest/easymesh"
	"github.com/treeforest/easymesh/config"
	"github.com/treeforest/easymesh/pkg/graceful"
	log "github.com/treeforest/logger"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "配置文件路径")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if conf.Debug {
		log.SetLevel(log.DEBUG)
	}

	node, err := mesh.Open(conf)
	if err != nil {
		log.Fatalf("open node failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.CallTimeout*2)
	err = node.Start(ctx)
	cancel()
	if err != nil {
		node.Stop()
		log.Fatalf("start node failed: %v", err)
	}
	log.Infof("node started, rpc %s", node.Addr())

	graceful.StopWithTime(5*time.Second, func() {
		log.Info("graceful stopping...")
		node.Stop()
	})
}
