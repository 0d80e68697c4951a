package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"selattn/pkg/attention"
	"selattn/pkg/tensor"
)

func main() {
	dModel := flag.Int("d-model", 64, "Model (embedding) dimension")
	numHeads := flag.Int("heads", 8, "Number of attention heads")
	batch := flag.Int("batch", 2, "Batch size")
	seqLen := flag.Int("seq", 16, "Sequence length")
	dropout := flag.Float64("dropout", 0.1, "Dropout probability (training mode only)")
	training := flag.Bool("training", false, "Run in training mode (enables dropout)")
	causal := flag.Bool("causal", true, "Apply a causal selective mask")
	seed := flag.Int64("seed", 42, "Random seed for weights, inputs and dropout")

	flag.Parse()

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("       Multi-Head Selective Attention")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	cfg := attention.Config{
		DModel:   *dModel,
		NumHeads: *numHeads,
		Dropout:  float32(*dropout),
	}
	fmt.Printf("Configuration:\n")
	fmt.Printf("  d_model:  %d\n", cfg.DModel)
	fmt.Printf("  heads:    %d (head_dim %d)\n", cfg.NumHeads, cfg.DModel/max(cfg.NumHeads, 1))
	fmt.Printf("  dropout:  %.2f (training=%v)\n", cfg.Dropout, *training)
	fmt.Printf("  causal:   %v\n", *causal)
	fmt.Println()

	module, err := attention.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	module.InitRandom(rng)
	tensor.SetDropoutSeed(*seed)

	x := tensor.New(*batch, *seqLen, *dModel)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}

	var mask *tensor.Tensor
	if *causal {
		mask = attention.CausalMask(*seqLen, *seqLen)
	}

	out, err := module.Forward(x, x, x, mask, *training)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Input:  %v\n", x.Shape)
	fmt.Printf("Output: %v\n", out.Shape)
	n := min(*dModel, 8)
	fmt.Printf("First output row (%d of %d dims): ", n, *dModel)
	for d := 0; d < n; d++ {
		fmt.Printf("%+.4f ", out.At(0, 0, d))
	}
	fmt.Println()
}
