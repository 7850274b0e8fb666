// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package train builds training graphs from inference ONNX models.
//
// Given a serialized model and a trainability configuration, a Builder
// derives the reverse-mode gradient graph and emits it in one of two forms:
// an independently executable forward/backward model pair (BuildAndSplit),
// or a single merged model with Yield synchronization markers at the
// forward/backward boundary (Build).
//
// Example:
//
//	import "github.com/born-ml/gradgraph/train"
//
//	func main() {
//	    b := train.New()
//	    err := b.Initialize(modelBytes, train.Config{
//	        InitializerNamesToTrain: []string{"W", "B"},
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := b.BuildAndSplit([][]int64{{32, 784}}); err != nil {
//	        log.Fatal(err)
//	    }
//	    forward, _ := b.ForwardModel()
//	    backward, _ := b.BackwardModel()
//	    // forward and backward are serialized ONNX models.
//	}
package train
