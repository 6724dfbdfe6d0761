// Package hk provides a mechanism for registering periodic callbacks.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"time"

	"github.com/NVIDIA/aislambda/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("housekeeper", func() {
	It("fires a registered callback on its interval", func() {
		fired := make(chan struct{}, 1)
		hk.Reg("unit-test-cb", func() time.Duration {
			select {
			case fired <- struct{}{}:
			default:
			}
			return time.Hour // don't refire within the test window
		}, 60*time.Millisecond)
		defer hk.Unreg("unit-test-cb")

		Eventually(fired, 2*time.Second, 10*time.Millisecond).Should(Receive())
	})

	It("stops firing once unregistered", func() {
		count := 0
		hk.Reg("unit-test-unreg", func() time.Duration {
			count++
			return 30 * time.Millisecond
		}, 30*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		hk.Unreg("unit-test-unreg")
		after := count
		time.Sleep(150 * time.Millisecond)
		Expect(count).To(Equal(after))
	})
})
