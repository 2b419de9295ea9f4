package main

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/cml-project/cmld/internal/loop"
)

func main() {
	l, err := loop.New()
	if err != nil {
		panic(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Run(); err != nil {
			fmt.Println("run err", err)
		}
	}()

	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		panic(err)
	}
	cmd.Process.Release()

	exited := make(chan int, 1)
	l.Submit(func() {
		l.AddChild(cmd.Process.Pid, func(pid, status int) {
			exited <- pid
		})
	})

	select {
	case pid := <-exited:
		fmt.Println("exited", pid)
	case <-time.After(5 * time.Second):
		fmt.Println("timeout")
	}
	l.Stop()
	<-done
}
